// Package executor implements the priority-scheduled input executor:
// four FIFO queues (emergency, high, normal, low), asynchronous
// pre-delays, de-duplication and selective pausing, drained on a
// fixed tick by a single goroutine that owns all mutable dispatch
// state.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/key"
	"github.com/soloxyq/pyahk/internal/logx"
)

// DefaultTick is the executor's polling interval. It bounds both
// dispatch latency and the effective resolution of asynchronous
// delays.
const DefaultTick = 20 * time.Millisecond

// OSInput is the narrow surface the executor needs from the operating
// system's input API: emit a key (or pseudo-mouse-button) transition.
// Platform backends (internal/hotkey's linux/windows builds) implement
// this; tests use a fake.
type OSInput interface {
	KeyDown(k key.Key) error
	KeyUp(k key.Key) error
}

// StationaryVariant selects how stationary mode rewrites a Press.
type StationaryVariant int

const (
	StationaryOff StationaryVariant = iota
	StationaryShiftModifier
)

// Stats is a point-in-time snapshot returned by Executor.Stats.
type Stats struct {
	EnqueuedPerPriority [numPriorities]uint64
	ProcessedTotal      uint64
	Dropped             uint64
}

// Executor drains the four priority queues against the OS input API.
// Its mutable flags (manualPaused, specialPaused, delayUntil,
// activeSequences) are guarded by mu so that any goroutine may read a
// consistent view; they are written by the tick loop, by the macro
// controller's pause/resume calls, and by the hotkey interceptor
// (special_paused and the de-dup set).
type Executor struct {
	clock *clock.Clock
	bus   *bus.Bus
	os    OSInput
	tick  time.Duration

	mu              sync.Mutex
	queues          [numPriorities][]Action
	manualPaused    bool
	specialPaused   bool
	delayUntil      *uint64
	activeSequences map[string]struct{}

	forceMoveActive      bool
	forceMoveKey         key.Key
	forceMoveReplacement key.Key

	stationaryActive  bool
	stationaryVariant StationaryVariant

	emergencyKeys map[key.Key]struct{}

	stats      Stats
	onExecuted func()
}

// New creates an Executor. tick is clamped into [10ms, 20ms] if it
// falls outside that band; pass 0 to use DefaultTick.
func New(clk *clock.Clock, b *bus.Bus, osInput OSInput, tick time.Duration) *Executor {
	if tick == 0 {
		tick = DefaultTick
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 20*time.Millisecond {
		tick = 20 * time.Millisecond
	}
	return &Executor{
		clock:           clk,
		bus:             b,
		os:              osInput,
		tick:            tick,
		activeSequences: make(map[string]struct{}),
		emergencyKeys:   make(map[key.Key]struct{}),
	}
}

// Run drives the fixed-tick loop until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.step()
		}
	}
}

// Step runs exactly one tick's worth of selection/execution. It is
// exported so tests can drive the executor deterministically instead
// of racing a real ticker.
func (e *Executor) Step() { e.step() }

// Enqueue appends action to the given priority's queue. Safe from any
// goroutine.
func (e *Executor) Enqueue(p Priority, action Action) {
	e.mu.Lock()
	e.queues[p] = append(e.queues[p], action)
	e.stats.EnqueuedPerPriority[p]++
	e.mu.Unlock()
}

// Clear empties a single priority's queue.
func (e *Executor) Clear(p Priority) {
	e.mu.Lock()
	e.queues[p] = nil
	e.mu.Unlock()
}

// ClearNonEmergency empties the high, normal and low queues,
// preserving emergency. The managed-key rewrite uses it; the
// delay_until tick rule in step applies the same clearing inline.
func (e *Executor) ClearNonEmergency() {
	e.mu.Lock()
	e.queues[High] = nil
	e.queues[Normal] = nil
	e.queues[Low] = nil
	e.mu.Unlock()
}

// ClearAll empties every queue.
func (e *Executor) ClearAll() {
	e.mu.Lock()
	for i := range e.queues {
		e.queues[i] = nil
	}
	e.mu.Unlock()
}

// PauseManual sets manual_paused (invoked on entry to the macro
// controller's Paused state).
func (e *Executor) PauseManual() {
	e.mu.Lock()
	e.manualPaused = true
	e.mu.Unlock()
}

// ResumeManual clears manual_paused (invoked on entry to Running).
func (e *Executor) ResumeManual() {
	e.mu.Lock()
	e.manualPaused = false
	e.mu.Unlock()
}

// SetForceMove toggles force-move substitution.
func (e *Executor) SetForceMove(active bool) {
	e.mu.Lock()
	e.forceMoveActive = active
	e.mu.Unlock()
}

// SetForceMoveKey records the monitored key that engages force-move.
// The executor does not itself watch this key; the interceptor's
// Monitor-mode handler calls SetForceMove on edges of it.
func (e *Executor) SetForceMoveKey(k key.Key) {
	e.mu.Lock()
	e.forceMoveKey = k
	e.mu.Unlock()
}

// SetForceMoveReplacement sets the key substituted for every Press
// while force-move is active.
func (e *Executor) SetForceMoveReplacement(k key.Key) {
	e.mu.Lock()
	e.forceMoveReplacement = k
	e.mu.Unlock()
}

// SetStationary toggles stationary mode and selects its variant.
func (e *Executor) SetStationary(active bool, variant StationaryVariant) {
	e.mu.Lock()
	e.stationaryActive = active
	e.stationaryVariant = variant
	e.mu.Unlock()
}

// CacheEmergencyKeys updates the set consulted by isEmergency.
func (e *Executor) CacheEmergencyKeys(hp, mp key.Key) {
	e.mu.Lock()
	e.emergencyKeys = map[key.Key]struct{}{hp: {}, mp: {}}
	e.mu.Unlock()
}

// SpecialPaused reports whether special_paused is currently set.
func (e *Executor) SpecialPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.specialPaused
}

// SetSpecialPaused sets or clears special_paused; the interceptor
// calls it on the first Special-mode key-down / last key-up.
func (e *Executor) SetSpecialPaused(paused bool) {
	e.mu.Lock()
	e.specialPaused = paused
	e.mu.Unlock()
}

// ActiveSequence reports whether seqID is currently in the de-dup set.
func (e *Executor) ActiveSequence(seqID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.activeSequences[seqID]
	return ok
}

// MarkSequenceActive inserts seqID into the de-dup set. Callers must
// check ActiveSequence first and treat insertion + enqueue as one
// logical step; the hotkey subsystem serializes all of a single key's
// events on one goroutine, so the two calls cannot interleave there.
func (e *Executor) MarkSequenceActive(seqID string) {
	e.mu.Lock()
	e.activeSequences[seqID] = struct{}{}
	e.mu.Unlock()
}

// Stats returns a snapshot of the executor's counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SetOnExecuted installs a callback invoked once per action execution,
// after the internal processed-total counter is incremented. The macro
// controller's optional action counter uses it to mirror the
// executor's throughput to disk without the executor itself knowing
// about persistence. A nil fn disables the callback.
func (e *Executor) SetOnExecuted(fn func()) {
	e.mu.Lock()
	e.onExecuted = fn
	e.mu.Unlock()
}

// queueLen returns the total number of queued actions across all
// priorities, for the "total queued count is 0" check in step 1.
func (e *Executor) queueLen() int {
	n := 0
	for _, q := range e.queues {
		n += len(q)
	}
	return n
}

// isEmergencyLocked reports whether a is a Press of the cached HP or
// MP key — the only action kind executed from non-emergency queues
// while a Special key is held. Callers hold mu.
func (e *Executor) isEmergencyLocked(a Action) bool {
	if a.Kind != KindPress {
		return false
	}
	_, ok := e.emergencyKeys[a.Key]
	return ok
}

// step selects and executes at most one action: emergency first, then
// (unless paused or filtering) high/normal/low in strict order. A
// pending asynchronous delay clears the non-emergency queues instead
// of selecting anything, so skills cannot accumulate behind it.
func (e *Executor) step() {
	e.mu.Lock()

	if e.queueLen() == 0 && e.delayUntil == nil {
		e.mu.Unlock()
		return
	}

	if e.delayUntil != nil {
		now := e.clock.NowMs()
		if now < *e.delayUntil {
			e.queues[High] = nil
			e.queues[Normal] = nil
			e.queues[Low] = nil
			e.mu.Unlock()
			return
		}
		e.delayUntil = nil
	}

	if len(e.queues[Emergency]) > 0 {
		action := e.queues[Emergency][0]
		e.queues[Emergency] = e.queues[Emergency][1:]
		e.mu.Unlock()
		e.execute(action)
		return
	}

	if e.manualPaused {
		e.mu.Unlock()
		return
	}

	if e.specialPaused {
		for _, p := range []Priority{High, Normal, Low} {
			q := e.queues[p]
			for i, a := range q {
				if e.isEmergencyLocked(a) {
					e.queues[p] = append(append([]Action{}, q[:i]...), q[i+1:]...)
					e.mu.Unlock()
					e.execute(a)
					return
				}
			}
		}
		e.mu.Unlock()
		return
	}

	for _, p := range []Priority{High, Normal, Low} {
		if len(e.queues[p]) > 0 {
			action := e.queues[p][0]
			e.queues[p] = e.queues[p][1:]
			e.mu.Unlock()
			e.execute(action)
			return
		}
	}
	e.mu.Unlock()
}

// execute runs a single action popped by step.
func (e *Executor) execute(a Action) {
	e.mu.Lock()
	e.stats.ProcessedTotal++
	onExecuted := e.onExecuted
	e.mu.Unlock()
	if onExecuted != nil {
		onExecuted()
	}

	switch a.Kind {
	case KindPress:
		e.executePress(a.Key)
	case KindHold:
		if err := e.os.KeyDown(a.Key); err != nil {
			e.reportFailure("hold", a.Key, err)
		}
	case KindRelease:
		if err := e.os.KeyUp(a.Key); err != nil {
			e.reportFailure("release", a.Key, err)
		}
	case KindSequence:
		for _, step := range a.Steps {
			if step.Kind == KindDelay {
				time.Sleep(time.Duration(step.Ms) * time.Millisecond)
				continue
			}
			e.execute(step)
		}
	case KindMouseClick:
		k := a.Button.key()
		if err := e.os.KeyDown(k); err != nil {
			e.reportFailure("click-down", k, err)
			return
		}
		if err := e.os.KeyUp(k); err != nil {
			e.reportFailure("click-up", k, err)
		}
	case KindDelay:
		deadline := e.clock.NowMs() + a.Ms
		e.mu.Lock()
		e.delayUntil = &deadline
		e.mu.Unlock()
	case KindNotify:
		topic, payload, _ := strings.Cut(a.Event, ":")
		e.bus.Publish(topic, payload)
	case KindCleanup:
		e.mu.Lock()
		delete(e.activeSequences, a.SeqID)
		e.mu.Unlock()
	}
}

// executePress applies the force-move / stationary-mode substitution
// rules and emits a down-then-up pair within this tick.
func (e *Executor) executePress(k key.Key) {
	e.mu.Lock()
	forceMove := e.forceMoveActive
	replacement := e.forceMoveReplacement
	stationary := e.stationaryActive
	variant := e.stationaryVariant
	e.mu.Unlock()

	if forceMove {
		k = replacement
	}

	shiftWrap := !forceMove && stationary && variant == StationaryShiftModifier
	if shiftWrap {
		if err := e.os.KeyDown(key.Shift); err != nil {
			e.reportFailure("press-shift-down", key.Shift, err)
		}
	}
	if err := e.os.KeyDown(k); err != nil {
		e.reportFailure("press-down", k, err)
	} else if err := e.os.KeyUp(k); err != nil {
		e.reportFailure("press-up", k, err)
	}
	if shiftWrap {
		if err := e.os.KeyUp(key.Shift); err != nil {
			e.reportFailure("press-shift-up", key.Shift, err)
		}
	}
}

// reportFailure handles an OS input call being refused: the action is
// dropped, a counter is incremented, and an error event is published;
// the executor continues.
func (e *Executor) reportFailure(stage string, k key.Key, err error) {
	e.mu.Lock()
	e.stats.Dropped++
	e.mu.Unlock()
	logx.Error("executor: %s(%s) failed: %s", stage, k, err)
	if e.bus != nil {
		e.bus.Publish("executor:action_failed", map[string]any{"stage": stage, "key": k, "cause": err})
	}
}
