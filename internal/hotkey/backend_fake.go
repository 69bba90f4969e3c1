package hotkey

import (
	"context"
	"sync"

	"github.com/soloxyq/pyahk/internal/key"
)

// FakeBackend is an in-memory Backend/OSInput usable from tests
// without any OS hook. Tests drive it with Deliver to simulate
// physical keystrokes and read Injected to assert on what the
// executor sent back out.
type FakeBackend struct {
	mu       sync.Mutex
	regs     map[key.Key]Mode
	out      chan Event
	Injected []struct {
		Key  key.Key
		Down bool
	}
}

// NewFakeBackend constructs an unstarted FakeBackend. Its event
// channel exists from construction, so keystrokes delivered before
// Start are buffered rather than lost.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{regs: make(map[key.Key]Mode), out: make(chan Event, 64)}
}

func (f *FakeBackend) Register(k key.Key, mode Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[k] = mode
	return nil
}

func (f *FakeBackend) Unregister(k key.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regs, k)
	return nil
}

func (f *FakeBackend) Start(ctx context.Context) (<-chan Event, error) {
	f.mu.Lock()
	if f.out == nil {
		f.out = make(chan Event, 64)
	}
	out := f.out
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		close(out)
		f.out = nil
		f.mu.Unlock()
	}()
	return out, nil
}

// Deliver simulates a physical keystroke reaching the backend.
func (f *FakeBackend) Deliver(k key.Key, down bool) {
	f.deliver(Event{Key: k, Down: down})
}

// DeliverInjected simulates the backend observing one of its own
// synthesized transitions, which the interceptor must ignore.
func (f *FakeBackend) DeliverInjected(k key.Key, down bool) {
	f.deliver(Event{Key: k, Down: down, Injected: true})
}

func (f *FakeBackend) deliver(ev Event) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		return
	}
	out <- ev
}

// KeyDown satisfies executor.OSInput by recording the synthesized
// transition instead of touching any real device.
func (f *FakeBackend) KeyDown(k key.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Injected = append(f.Injected, struct {
		Key  key.Key
		Down bool
	}{k, true})
	return nil
}

// KeyUp satisfies executor.OSInput.
func (f *FakeBackend) KeyUp(k key.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Injected = append(f.Injected, struct {
		Key  key.Key
		Down bool
	}{k, false})
	return nil
}
