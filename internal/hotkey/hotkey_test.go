package hotkey

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/executor"
	"github.com/soloxyq/pyahk/internal/key"
)

func newHarness(t *testing.T) (*Interceptor, *FakeBackend, *executor.Executor, *bus.Bus) {
	t.Helper()
	backend := NewFakeBackend()
	b := bus.New()
	exec := executor.New(clock.New(), b, backend, 10*time.Millisecond)
	i := New(b, exec, backend)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go i.Run(ctx)
	go exec.Run(ctx)
	return i, backend, exec, b
}

func subscribeCollector(b *bus.Bus, topic string) *[]any {
	var mu sync.Mutex
	got := []any{}
	b.Subscribe(topic, func(p any) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	return &got
}

func TestInterceptPublishesAndConsumes(t *testing.T) {
	i, backend, _, b := newHarness(t)
	got := subscribeCollector(b, "intercept_key_down")
	i.Register("f8", Intercept)
	backend.Deliver("f8", true)
	time.Sleep(30 * time.Millisecond)
	if len(*got) != 1 || (*got)[0] != key.Key("f8") {
		t.Fatalf("expected one intercept_key_down(f8), got %v", *got)
	}
}

func TestPriorityDedupsBurstAndCleansUp(t *testing.T) {
	i, backend, exec, b := newHarness(t)
	downEvents := subscribeCollector(b, "managed_key_down")
	i.RegisterManaged("e", Priority, "shift", 5)

	backend.Deliver("e", true)
	backend.Deliver("e", true)
	backend.Deliver("e", true)
	time.Sleep(150 * time.Millisecond)

	if len(*downEvents) != 1 {
		t.Fatalf("expected exactly one managed_key_down for a burst, got %d", len(*downEvents))
	}
	if exec.ActiveSequence("e") {
		t.Fatal("expected e to be cleaned up from active_sequences after its sequence ran")
	}
}

func TestInjectedEventsBypassHooks(t *testing.T) {
	i, backend, exec, b := newHarness(t)
	downEvents := subscribeCollector(b, "managed_key_down")
	i.RegisterManaged("e", Priority, "shift", 5)

	backend.DeliverInjected("e", true)
	backend.DeliverInjected("e", false)
	time.Sleep(30 * time.Millisecond)

	if len(*downEvents) != 0 {
		t.Fatalf("expected synthesized events to bypass classification, got %v", *downEvents)
	}
	if exec.ActiveSequence("e") {
		t.Fatal("expected no managed sequence to start from an injected event")
	}
}

func TestSpecialBracketsPauseEvents(t *testing.T) {
	i, backend, exec, b := newHarness(t)
	pauses := subscribeCollector(b, "special_key_pause")
	i.Register("z", Special)

	backend.Deliver("z", true)
	time.Sleep(20 * time.Millisecond)
	if !exec.SpecialPaused() {
		t.Fatal("expected special_paused to be set on first Special key-down")
	}
	backend.Deliver("z", false)
	time.Sleep(20 * time.Millisecond)
	if exec.SpecialPaused() {
		t.Fatal("expected special_paused to clear on last Special key-up")
	}

	want := []any{"start", "end"}
	if len(*pauses) != 2 || (*pauses)[0] != want[0] || (*pauses)[1] != want[1] {
		t.Fatalf("pauses = %v, want %v", *pauses, want)
	}
}

func TestMonitorEdgeDetection(t *testing.T) {
	i, backend, _, b := newHarness(t)
	downs := subscribeCollector(b, "monitor_key_down")
	ups := subscribeCollector(b, "monitor_key_up")
	i.Register("w", Monitor)

	backend.Deliver("w", true)
	backend.Deliver("w", true) // auto-repeat, must not re-publish
	backend.Deliver("w", true)
	backend.Deliver("w", false)
	time.Sleep(30 * time.Millisecond)

	if len(*downs) != 1 {
		t.Fatalf("expected exactly one monitor_key_down despite repeated down events, got %d", len(*downs))
	}
	if len(*ups) != 1 {
		t.Fatalf("expected exactly one monitor_key_up, got %d", len(*ups))
	}
}

func TestSystemHotkeyPublishesAndSurvivesClearAll(t *testing.T) {
	i, backend, _, b := newHarness(t)
	fired := subscribeCollector(b, "hotkey:f8")
	i.RegisterSystem("f8")
	i.Register("q", Intercept)

	i.ClearAll()
	backend.Deliver("f8", true)
	time.Sleep(30 * time.Millisecond)

	if len(*fired) != 1 {
		t.Fatalf("expected the lifecycle hotkey to keep firing after ClearAll, got %d", len(*fired))
	}
	intercepts := subscribeCollector(b, "intercept_key_down")
	backend.Deliver("q", true)
	time.Sleep(30 * time.Millisecond)
	if len(*intercepts) != 0 {
		t.Fatalf("expected q to be unregistered by ClearAll, got %v", *intercepts)
	}
}

func TestRegisterRejectsUnknownKey(t *testing.T) {
	i, _, _, _ := newHarness(t)
	err := i.Register("not_a_key", Intercept)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Register(not_a_key) = %v, want ErrUnknownKey", err)
	}
}

func TestReRegistrationReplacesMode(t *testing.T) {
	i, backend, _, b := newHarness(t)
	intercepts := subscribeCollector(b, "intercept_key_down")
	monitors := subscribeCollector(b, "monitor_key_down")

	i.Register("g", Intercept)
	i.Register("g", Monitor)
	backend.Deliver("g", true)
	time.Sleep(30 * time.Millisecond)

	if len(*intercepts) != 0 {
		t.Fatalf("expected no intercept events after re-registration, got %v", *intercepts)
	}
	if len(*monitors) != 1 {
		t.Fatalf("expected the replacing Monitor registration to win, got %v", *monitors)
	}
}

func TestBlockConsumesSilently(t *testing.T) {
	i, backend, _, b := newHarness(t)
	any1 := subscribeCollector(b, "intercept_key_down")
	i.Register("x", Block)
	backend.Deliver("x", true)
	time.Sleep(20 * time.Millisecond)
	if len(*any1) != 0 {
		t.Fatalf("expected no events published for a Block-mode key, got %v", *any1)
	}
}
