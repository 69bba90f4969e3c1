// Package hotkey implements the low-level key-hook subsystem: it
// registers per-key hooks with the OS in one of five modes, classifies
// each keystroke by its registered mode, and translates it into bus
// events and/or executor enqueues.
package hotkey

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/executor"
	"github.com/soloxyq/pyahk/internal/key"
	"github.com/soloxyq/pyahk/internal/logx"
)

// ErrUnknownKey is returned when a registration names a key outside
// the canonical vocabulary; the registration is refused with no
// partial state.
var ErrUnknownKey = errors.New("hotkey: unknown key identifier")

// RegistrationError wraps an OS-level hook refusal. Previously
// registered hooks remain installed.
type RegistrationError struct {
	Key   key.Key
	Cause error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("hotkey: register %s: %s", e.Key, e.Cause)
}

func (e *RegistrationError) Unwrap() error { return e.Cause }

// Mode is the per-key interception mode a HookRegistration selects.
type Mode int

const (
	// Intercept consumes the keystroke and publishes intercept_key_down.
	Intercept Mode = iota
	// Priority consumes the keystroke and rewrites it into a
	// delay/press/delay sequence enqueued on the emergency queue.
	Priority
	// Special does not consume; it brackets held-state with
	// special_key_pause(start/end) and pauses non-emergency draining.
	Special
	// Monitor does not consume; it edge-detects held/released state.
	Monitor
	// Block consumes the keystroke and emits nothing.
	Block
)

func (m Mode) String() string {
	switch m {
	case Intercept:
		return "intercept"
	case Priority:
		return "priority"
	case Special:
		return "special"
	case Monitor:
		return "monitor"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// managed describes the rewrite applied to a Priority-mode key.
type managed struct {
	target key.Key
	delay  uint64 // ms, applied before and after the press
}

// registration is one entry in the interceptor's key table.
type registration struct {
	mode    Mode
	managed managed // only meaningful for Priority
	system  bool    // lifecycle/auxiliary hotkey: survives ClearAll, publishes hotkey:<name>
}

// Event is what a Backend delivers for each physical key transition.
// Injected is true for events the backend itself recognizes as its own
// synthesized output; such events are never classified and never
// published, so the executor's presses cannot re-trigger the hooks
// that produced them.
type Event struct {
	Key      key.Key
	Down     bool
	Injected bool
}

// Backend is the OS-specific half of the interceptor: it owns the
// actual hook/grab installation and delivers classified-ready events
// on a channel. Implementations live in backend_linux.go,
// backend_windows.go and backend_fake.go (test-only).
type Backend interface {
	// Start begins delivering events on the returned channel until ctx
	// is cancelled, at which point the channel is closed.
	Start(ctx context.Context) (<-chan Event, error)
	// Register tells the backend which keys it must intercept/grab;
	// modes that do not consume (Special, Monitor) are passed too, so
	// platforms that need an explicit grab/ungrab step can skip it for
	// those.
	Register(k key.Key, mode Mode) error
	Unregister(k key.Key) error
}

// Interceptor classifies keystrokes against its per-key mode table.
type Interceptor struct {
	bus     *bus.Bus
	exec    *executor.Executor
	backend Backend

	mu            sync.Mutex
	regs          map[key.Key]registration
	activeSpecial map[key.Key]bool // currently-held Special keys
	heldMonitor   map[key.Key]bool // currently-held Monitor keys
}

// New creates an Interceptor bound to the given bus, executor and
// backend. The backend is not started until Run is called.
//
// A managed key pauses the periodic scheduler for the duration of its
// rewrite sequence; the resume rides on the managed_key_complete event
// the sequence's Notify step publishes, so it fires only once the
// post-delay has expired.
func New(b *bus.Bus, exec *executor.Executor, backend Backend) *Interceptor {
	i := &Interceptor{
		bus:           b,
		exec:          exec,
		backend:       backend,
		regs:          make(map[key.Key]registration),
		activeSpecial: make(map[key.Key]bool),
		heldMonitor:   make(map[key.Key]bool),
	}
	b.Subscribe("managed_key_complete", func(any) {
		b.Publish("scheduler:resume_requested", nil)
	})
	return i
}

// Register installs (or replaces) a HookRegistration for k. At most
// one registration per key; re-registration replaces the prior mode.
func (i *Interceptor) Register(k key.Key, mode Mode) error {
	return i.RegisterManaged(k, mode, key.Key(""), 0)
}

// RegisterSystem installs k as a system hotkey: it is consumed like an
// Intercept key but publishes hotkey:<name> instead of
// intercept_key_down, and ClearAll leaves it registered.
func (i *Interceptor) RegisterSystem(k key.Key) error {
	if err := i.Register(k, Intercept); err != nil {
		return err
	}
	i.mu.Lock()
	reg := i.regs[k]
	reg.system = true
	i.regs[k] = reg
	i.mu.Unlock()
	return nil
}

// RegisterManaged is Register for Priority-mode keys, carrying the
// target key and symmetric pre/post delay consulted on activation.
func (i *Interceptor) RegisterManaged(k key.Key, mode Mode, target key.Key, delayMs uint64) error {
	if !key.Known(k) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, k)
	}
	i.mu.Lock()
	prior, hadPrior := i.regs[k]
	i.mu.Unlock()
	if hadPrior && prior.mode != mode {
		i.Unregister(k)
	}
	if err := i.backend.Register(k, mode); err != nil {
		return &RegistrationError{Key: k, Cause: err}
	}
	i.mu.Lock()
	i.regs[k] = registration{mode: mode, managed: managed{target: target, delay: delayMs}}
	i.mu.Unlock()
	return nil
}

// Unregister removes a key's registration, if any.
func (i *Interceptor) Unregister(k key.Key) {
	i.mu.Lock()
	_, ok := i.regs[k]
	delete(i.regs, k)
	delete(i.activeSpecial, k)
	delete(i.heldMonitor, k)
	i.mu.Unlock()
	if ok {
		if err := i.backend.Unregister(k); err != nil {
			logx.Warn("hotkey: unregister %s: %v", k, err)
		}
	}
}

// ClearAll removes every registration except system hotkeys, so the
// lifecycle key keeps working across a transition to Stopped.
func (i *Interceptor) ClearAll() {
	i.mu.Lock()
	keys := make([]key.Key, 0, len(i.regs))
	for k, reg := range i.regs {
		if reg.system {
			continue
		}
		keys = append(keys, k)
	}
	i.mu.Unlock()
	for _, k := range keys {
		i.Unregister(k)
	}
}

// Run consumes backend events until ctx is cancelled. Handlers are
// short: they publish events and/or enqueue actions, and never block
// on shared resources beyond the interceptor's own mutex.
func (i *Interceptor) Run(ctx context.Context) error {
	events, err := i.backend.Start(ctx)
	if err != nil {
		return fmt.Errorf("hotkey: backend start: %w", err)
	}
	for ev := range events {
		if ev.Injected {
			continue
		}
		i.classify(ev)
	}
	return nil
}

func (i *Interceptor) classify(ev Event) {
	i.mu.Lock()
	reg, ok := i.regs[ev.Key]
	i.mu.Unlock()
	if !ok {
		return
	}
	switch reg.mode {
	case Intercept:
		if reg.system {
			if ev.Down {
				i.bus.Publish("hotkey:"+string(ev.Key), nil)
			}
			return
		}
		i.handleIntercept(ev)
	case Priority:
		i.handlePriority(ev, reg.managed)
	case Special:
		i.handleSpecial(ev)
	case Monitor:
		i.handleMonitor(ev)
	case Block:
		// consume, emit nothing
	}
}

func (i *Interceptor) handleIntercept(ev Event) {
	if !ev.Down {
		return
	}
	i.bus.Publish("intercept_key_down", ev.Key)
}

// handlePriority consumes a managed key's activation: de-dup against
// the in-flight sequence set, clear the non-emergency queues to drop
// any skill spillover queued just before the press, then enqueue the
// delay/press/delay rewrite on the emergency queue.
func (i *Interceptor) handlePriority(ev Event, m managed) {
	if !ev.Down {
		return
	}
	k := ev.Key
	if i.exec.ActiveSequence(string(k)) {
		return
	}
	i.exec.MarkSequenceActive(string(k))
	i.exec.ClearNonEmergency()
	i.bus.Publish("managed_key_down", k)
	i.bus.Publish("scheduler:pause_requested", nil)
	i.exec.Enqueue(executor.Emergency, executor.Delay(m.delay))
	i.exec.Enqueue(executor.Emergency, executor.Press(m.target))
	i.exec.Enqueue(executor.Emergency, executor.Delay(m.delay))
	i.exec.Enqueue(executor.Emergency, executor.Notify("managed_key_complete:"+string(k)))
	i.exec.Enqueue(executor.Emergency, executor.Cleanup(string(k)))
}

// handleSpecial does not consume the keystroke; it brackets the held
// set with special_key_pause(start/end) and drives the executor's
// special_paused flag.
func (i *Interceptor) handleSpecial(ev Event) {
	i.mu.Lock()
	wasEmpty := len(i.activeSpecial) == 0
	if ev.Down {
		i.activeSpecial[ev.Key] = true
	} else {
		delete(i.activeSpecial, ev.Key)
	}
	nowEmpty := len(i.activeSpecial) == 0
	i.mu.Unlock()

	if ev.Down && wasEmpty {
		i.bus.Publish("special_key_pause", "start")
		i.bus.Publish("scheduler:pause_requested", nil)
		i.exec.SetSpecialPaused(true)
	}
	if ev.Down {
		i.bus.Publish("special_key_down", ev.Key)
	} else {
		i.bus.Publish("special_key_up", ev.Key)
		if nowEmpty {
			i.bus.Publish("special_key_pause", "end")
			i.bus.Publish("scheduler:resume_requested", nil)
			i.exec.SetSpecialPaused(false)
		}
	}
}

// handleMonitor does not consume the keystroke; it edge-detects so
// repeated OS auto-repeat down events do not re-publish
// monitor_key_down.
func (i *Interceptor) handleMonitor(ev Event) {
	i.mu.Lock()
	held := i.heldMonitor[ev.Key]
	if ev.Down == held {
		i.mu.Unlock()
		return
	}
	i.heldMonitor[ev.Key] = ev.Down
	i.mu.Unlock()

	if ev.Down {
		i.bus.Publish("monitor_key_down", ev.Key)
	} else {
		i.bus.Publish("monitor_key_up", ev.Key)
	}
}
