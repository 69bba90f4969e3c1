// Package macro implements the macro controller: the finite state
// machine that owns Stopped/Ready/Running/Paused and wires the event
// bus, hotkey interceptor, input executor and periodic scheduler
// together.
package macro

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/cfg"
	"github.com/soloxyq/pyahk/internal/executor"
	"github.com/soloxyq/pyahk/internal/hotkey"
	"github.com/soloxyq/pyahk/internal/key"
	"github.com/soloxyq/pyahk/internal/logx"
	"github.com/soloxyq/pyahk/internal/scheduler"
)

// State is one of the controller's four lifecycle states.
type State int

const (
	Stopped State = iota
	Ready
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the allowed lifecycle edges; every
// non-Stopped state may also stop.
var validTransitions = map[State]map[State]bool{
	Stopped: {Ready: true},
	Ready:   {Running: true, Stopped: true},
	Running: {Paused: true, Stopped: true},
	Paused:  {Running: true, Stopped: true},
}

// ErrInvalidTransition is returned by Transition when (from, to) is
// not a valid lifecycle edge; state is left unchanged.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("macro: invalid transition %s -> %s", e.From, e.To)
}

// StateChanged is the payload published on "state:changed".
type StateChanged struct {
	Old, New State
}

// Controller owns the lifecycle and every other core component. It is
// the only thing that calls Run on the executor, scheduler and hook
// interceptor, and the only thing that swaps configuration snapshots.
type Controller struct {
	bus   *bus.Bus
	exec  *executor.Executor
	sched *scheduler.Scheduler
	hooks *hotkey.Interceptor

	// lifecycleKey is the always-registered system hotkey toggling
	// start/stop; ClearAll never removes it.
	lifecycleKey key.Key

	mu            sync.Mutex
	state         State
	snap          *cfg.Snapshot
	ctx           context.Context
	sessionCancel context.CancelFunc
	forceMoveKey  key.Key
	wg            sync.WaitGroup
}

// New constructs a Controller in the Stopped state. The force-move
// Monitor subscriptions live for the controller's whole lifetime and
// consult the key recorded by the most recent Ready entry, so entering
// Ready repeatedly does not accumulate handlers on the bus.
func New(b *bus.Bus, exec *executor.Executor, sched *scheduler.Scheduler, hooks *hotkey.Interceptor, lifecycleKey key.Key) *Controller {
	c := &Controller{
		bus:          b,
		exec:         exec,
		sched:        sched,
		hooks:        hooks,
		lifecycleKey: lifecycleKey,
		state:        Stopped,
	}
	b.Subscribe("monitor_key_down", func(payload any) {
		if k, ok := payload.(key.Key); ok && k == c.currentForceMoveKey() {
			c.exec.SetForceMove(true)
		}
	})
	b.Subscribe("monitor_key_up", func(payload any) {
		if k, ok := payload.(key.Key); ok && k == c.currentForceMoveKey() {
			c.exec.SetForceMove(false)
		}
	})
	return c
}

func (c *Controller) currentForceMoveKey() key.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceMoveKey
}

// State reports the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs the executor, scheduler and hook driver loops in the
// background; callers must call this once before the first
// Transition(Ready) and cancel ctx to tear everything down (the
// broadcast-cancellation mechanism: every loop observes ctx on its
// next wake and exits). The loops outlive individual Stopped/Ready
// cycles — a Stopped controller parks them (queues cleared, scheduler
// and manual draining paused) rather than tearing them down, so the
// lifecycle hotkey can start a fresh cycle without re-wiring.
func (c *Controller) Start(ctx context.Context) {
	if err := c.hooks.RegisterSystem(c.lifecycleKey); err != nil {
		logx.Error("macro: register lifecycle key %s: %v", c.lifecycleKey, err)
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	// Stopped posture: nothing fires until the first Running entry.
	c.exec.PauseManual()
	c.sched.Pause()

	go c.exec.Run(ctx)
	go c.sched.Run(ctx)
	go func() {
		if err := c.hooks.Run(ctx); err != nil {
			logx.Error("macro: hook loop: %v", err)
		}
	}()
}

// Wait blocks until background work spawned by Ready entries (the
// action counter's final flush) has finished. Call after cancelling
// the context passed to Start.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// ApplySnapshot atomically swaps the active configuration and
// announces it on config:applied. It takes effect the next time
// Transition(Ready) runs; there is no half-applied state visible to
// handlers in between.
func (c *Controller) ApplySnapshot(snap *cfg.Snapshot) {
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	c.bus.Publish("config:applied", snap)
}

// Transition attempts to move the controller from its current state
// to to. An invalid transition is refused: state is left unchanged,
// ErrInvalidTransition is returned, and "state:rejected" is published.
func (c *Controller) Transition(to State) error {
	c.mu.Lock()
	if c.ctx != nil && c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrShutdown
	}
	from := c.state
	allowed := validTransitions[from][to]
	if !allowed {
		c.mu.Unlock()
		c.bus.Publish("state:rejected", StateChanged{Old: from, New: to})
		return ErrInvalidTransition{From: from, To: to}
	}
	c.state = to
	snap := c.snap
	c.mu.Unlock()

	switch to {
	case Ready:
		c.enterReady(snap)
	case Running:
		c.enterRunning()
	case Paused:
		c.enterPaused()
	case Stopped:
		c.enterStopped()
	}
	c.bus.Publish("state:changed", StateChanged{Old: from, New: to})
	return nil
}

func (c *Controller) enterReady(snap *cfg.Snapshot) {
	if snap == nil {
		logx.Warn("macro: entering Ready with no configuration snapshot applied")
		c.exec.ClearAll()
		return
	}
	hp, mp := snap.EmergencyKeys()
	c.exec.CacheEmergencyKeys(hp, mp)

	// Canonicalize, dedup and register in a stable order so a snapshot
	// that lists the same key twice (or in a different order across
	// reloads) always registers deterministically.
	special := make([]key.Key, 0, len(snap.SpecialKeys))
	for _, name := range snap.SpecialKeys {
		k := key.Canon(name)
		if !slices.Contains(special, k) {
			special = append(special, k)
		}
	}
	slices.Sort(special)
	for _, k := range special {
		if err := c.hooks.Register(k, hotkey.Special); err != nil {
			logx.Error("macro: register special key %s: %v", k, err)
		}
	}
	for src, mk := range snap.ManagedKeys {
		k := key.Canon(src)
		target := key.Canon(mk.Target)
		if err := c.hooks.RegisterManaged(k, hotkey.Priority, target, mk.DelayMs); err != nil {
			logx.Error("macro: register managed key %s: %v", k, err)
		}
	}
	fmKey := key.Key("")
	if snap.ForceMoveKey != "" {
		fmKey = key.Canon(snap.ForceMoveKey)
		replacement := key.Canon(snap.ForceMoveReplacementKey)
		c.exec.SetForceMoveKey(fmKey)
		c.exec.SetForceMoveReplacement(replacement)
		if err := c.hooks.Register(fmKey, hotkey.Monitor); err != nil {
			logx.Error("macro: register force-move key %s: %v", fmKey, err)
		}
	}
	c.mu.Lock()
	c.forceMoveKey = fmKey
	c.mu.Unlock()
	variant := executor.StationaryOff
	if snap.Stationary.Variant == cfg.StationaryShiftModifier {
		variant = executor.StationaryShiftModifier
	}
	c.exec.SetStationary(snap.Stationary.Active, variant)

	c.exec.ClearAll()
	c.sched.Pause()

	counter, err := newActionCounter(snap.ActionCountFile)
	if err != nil {
		logx.Error("macro: action counter: %v", err)
		return
	}
	c.exec.SetOnExecuted(counter.Increment)
	c.mu.Lock()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	runCtx := c.ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	sessionCtx, sessionCancel := context.WithCancel(runCtx)
	c.sessionCancel = sessionCancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		counter.Run(sessionCtx)
	}()
}

func (c *Controller) enterRunning() {
	c.exec.ResumeManual()
	c.sched.Resume()
}

func (c *Controller) enterPaused() {
	c.exec.PauseManual()
	c.sched.Pause()
}

func (c *Controller) enterStopped() {
	c.hooks.ClearAll() // system hotkeys, the lifecycle key included, survive
	c.exec.ClearAll()
	c.exec.PauseManual()
	c.exec.SetOnExecuted(nil)
	c.sched.Pause()
	c.mu.Lock()
	sessionCancel := c.sessionCancel
	c.sessionCancel = nil
	c.mu.Unlock()
	if sessionCancel != nil {
		sessionCancel()
	}
}

// Debug returns a structured snapshot of the controller's state for
// diagnostic surfaces (e.g. the status TUI or a SIGUSR1 dump); it is
// not part of the lifecycle state machine itself.
type Debug struct {
	State State
	Stats executor.Stats
}

// Snapshot returns a point-in-time Debug view.
func (c *Controller) Snapshot() Debug {
	return Debug{State: c.State(), Stats: c.exec.Stats()}
}
