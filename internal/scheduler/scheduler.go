// Package scheduler implements the periodic skill scheduler: a
// min-heap of tasks keyed by next-fire monotonic time, driven by a
// single wake-or-deadline loop with no per-task goroutines.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/logx"
)

// Callback is a scheduled task's body. It is pure with respect to the
// scheduler: it performs its own detection/enqueuing against other
// components and reports nothing back except by panicking or not.
type Callback func()

// task is one heap entry.
type task struct {
	id       string
	interval uint64 // ms; 0 for one-shot
	nextFire uint64 // ms, monotonic
	callback Callback
	oneShot  bool
	enabled  bool
	index    int
}

// taskHeap orders tasks by nextFire; container/heap turns it into a
// min-heap.
type taskHeap []*task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].nextFire < h[j].nextFire }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Status is the snapshot returned by Scheduler.Status.
type Status struct {
	Found      bool
	Interval   time.Duration
	NextFireIn time.Duration
	Enabled    bool
}

// Scheduler drives periodic and one-shot tasks off a deadline heap.
type Scheduler struct {
	clock *clock.Clock
	bus   *bus.Bus

	mu   sync.Mutex
	heap taskHeap
	byID map[string]*task

	// Two independent pause sources: the macro controller's lifecycle
	// (Pause/Resume) and the soft pause_requested/resume_requested bus
	// signals from special/managed keys. Firing is frozen while either
	// is set, so a special-key release cannot resume a scheduler the
	// controller paused.
	pausedCtl bool
	pausedSig bool
	pausedAt  uint64

	wake chan struct{}
}

// New creates a Scheduler. If b is non-nil, the scheduler subscribes
// to scheduler:pause_requested/scheduler:resume_requested so that
// Special-mode and managed keys can pause/resume task firing as a
// soft signal, orthogonal to the executor's own pause flags: paused
// tasks do not fire, but the emergency queue keeps draining.
func New(clk *clock.Clock, b *bus.Bus) *Scheduler {
	s := &Scheduler{
		clock: clk,
		bus:   b,
		byID:  make(map[string]*task),
		wake:  make(chan struct{}, 1),
	}
	if b != nil {
		b.Subscribe("scheduler:pause_requested", func(any) { s.setPaused(&s.pausedSig, true) })
		b.Subscribe("scheduler:resume_requested", func(any) { s.setPaused(&s.pausedSig, false) })
	}
	return s
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Add registers a periodic task. It returns false without modifying
// anything if taskID is already present.
func (s *Scheduler) Add(taskID string, interval time.Duration, cb Callback, startImmediately bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[taskID]; exists {
		return false
	}
	now := s.clock.NowMs()
	next := now + uint64(interval.Milliseconds())
	if startImmediately {
		next = now
	}
	t := &task{
		id:       taskID,
		interval: uint64(interval.Milliseconds()),
		nextFire: next,
		callback: cb,
		enabled:  true,
	}
	s.byID[taskID] = t
	heap.Push(&s.heap, t)
	s.notify()
	return true
}

// AddOneShot registers a task that fires exactly once, delay after now.
func (s *Scheduler) AddOneShot(taskID string, delay time.Duration, cb Callback) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[taskID]; exists {
		return false
	}
	t := &task{
		id:       taskID,
		nextFire: s.clock.NowMs() + uint64(delay.Milliseconds()),
		callback: cb,
		oneShot:  true,
		enabled:  true,
	}
	s.byID[taskID] = t
	heap.Push(&s.heap, t)
	s.notify()
	return true
}

// Remove deletes a task if present.
func (s *Scheduler) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return
	}
	delete(s.byID, taskID)
	if t.index >= 0 && t.index < len(s.heap) {
		heap.Remove(&s.heap, t.index)
	}
}

// UpdateInterval changes a periodic task's interval and reschedules
// its next fire to use the new interval starting from now.
func (s *Scheduler) UpdateInterval(taskID string, newInterval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok || t.oneShot {
		return false
	}
	t.interval = uint64(newInterval.Milliseconds())
	t.nextFire = s.clock.NowMs() + t.interval
	if t.index >= 0 {
		heap.Fix(&s.heap, t.index)
	}
	s.notify()
	return true
}

// Pause freezes firing without losing tasks.
func (s *Scheduler) Pause() { s.setPaused(&s.pausedCtl, true) }

// Resume unfreezes firing, translating every task's deadline by the
// paused duration so resuming does not cause a catch-up burst.
func (s *Scheduler) Resume() { s.setPaused(&s.pausedCtl, false) }

// setPaused flips one pause source and applies the phase translation
// on the edge where the scheduler as a whole stops or restarts firing.
func (s *Scheduler) setPaused(flag *bool, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.pausedCtl || s.pausedSig
	*flag = v
	now := s.pausedCtl || s.pausedSig
	switch {
	case !was && now:
		s.pausedAt = s.clock.NowMs()
	case was && !now:
		delta := s.clock.NowMs() - s.pausedAt
		for _, t := range s.heap {
			t.nextFire += delta
		}
		heap.Init(&s.heap)
		s.notify()
	}
}

func (s *Scheduler) pausedLocked() bool { return s.pausedCtl || s.pausedSig }

// Status reports a task's current interval, next-fire delta and
// enabled flag.
func (s *Scheduler) Status(taskID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return Status{}
	}
	now := s.clock.NowMs()
	var in time.Duration
	if t.nextFire > now {
		in = time.Duration(t.nextFire-now) * time.Millisecond
	}
	return Status{
		Found:      true,
		Interval:   time.Duration(t.interval) * time.Millisecond,
		NextFireIn: in,
		Enabled:    t.enabled,
	}
}

// Run drives the wait-for-deadline-or-wake loop until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue()
	}
}

// nextWait computes how long the driver should sleep before it must
// re-check for due tasks.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pausedLocked() || len(s.heap) == 0 {
		return time.Hour
	}
	now := s.clock.NowMs()
	next := s.heap[0].nextFire
	if next <= now {
		return 0
	}
	return time.Duration(next-now) * time.Millisecond
}

// fireDue pops and runs every task whose deadline has passed,
// isolating callback failures so one bad task cannot stall the rest.
func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if s.pausedLocked() || len(s.heap) == 0 {
			s.mu.Unlock()
			return
		}
		now := s.clock.NowMs()
		if s.heap[0].nextFire > now {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.heap).(*task)
		s.mu.Unlock()

		s.runCallback(t)

		s.mu.Lock()
		// The callback may have called Remove(t.id) on itself; only
		// reinsert if it is still registered.
		if _, stillPresent := s.byID[t.id]; stillPresent {
			if t.oneShot {
				delete(s.byID, t.id)
			} else {
				t.nextFire = s.clock.NowMs() + t.interval
				heap.Push(&s.heap, t)
			}
		}
		s.mu.Unlock()
	}
}

// runCallback invokes a task's callback, recovering a panic and
// surfacing it as a bus error event; the task remains scheduled.
func (s *Scheduler) runCallback(t *task) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error("scheduler: task %q panicked: %v", t.id, r)
			if s.bus != nil {
				s.bus.Publish(bus.ErrorTopic, bus.HandlerError{
					Topic: "scheduler:" + t.id,
					Cause: fmt.Errorf("task panic: %v", r),
				})
			}
		}
	}()
	t.callback()
}
