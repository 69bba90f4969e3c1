package macro

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/cfg"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/executor"
	"github.com/soloxyq/pyahk/internal/hotkey"
	"github.com/soloxyq/pyahk/internal/key"
	"github.com/soloxyq/pyahk/internal/scheduler"
)

func newHarness(t *testing.T) (*Controller, *bus.Bus) {
	t.Helper()
	backend := hotkey.NewFakeBackend()
	b := bus.New()
	clk := clock.New()
	exec := executor.New(clk, b, backend, 10*time.Millisecond)
	sched := scheduler.New(clk, b)
	hooks := hotkey.New(b, exec, backend)
	ctrl := New(b, exec, sched, hooks, key.Key("f8"))
	ctrl.ApplySnapshot(&cfg.Snapshot{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctrl.Start(ctx)
	return ctrl, b
}

func TestValidTransitionSequence(t *testing.T) {
	ctrl, _ := newHarness(t)
	if err := ctrl.Transition(Ready); err != nil {
		t.Fatalf("Stopped->Ready: %v", err)
	}
	if err := ctrl.Transition(Running); err != nil {
		t.Fatalf("Ready->Running: %v", err)
	}
	if err := ctrl.Transition(Paused); err != nil {
		t.Fatalf("Running->Paused: %v", err)
	}
	if err := ctrl.Transition(Running); err != nil {
		t.Fatalf("Paused->Running: %v", err)
	}
	if err := ctrl.Transition(Stopped); err != nil {
		t.Fatalf("Running->Stopped: %v", err)
	}
}

func TestInvalidTransitionIsRejected(t *testing.T) {
	ctrl, b := newHarness(t)
	var mu sync.Mutex
	var rejections []StateChanged
	b.Subscribe("state:rejected", func(p any) {
		mu.Lock()
		rejections = append(rejections, p.(StateChanged))
		mu.Unlock()
	})

	err := ctrl.Transition(Running) // Stopped -> Running is not valid
	if _, ok := err.(ErrInvalidTransition); !ok {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if ctrl.State() != Stopped {
		t.Fatalf("state changed despite rejected transition: %s", ctrl.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(rejections) != 1 {
		t.Fatalf("expected one state:rejected publish, got %d", len(rejections))
	}
}

func TestTransitionAfterShutdownIsRefused(t *testing.T) {
	backend := hotkey.NewFakeBackend()
	b := bus.New()
	clk := clock.New()
	exec := executor.New(clk, b, backend, 10*time.Millisecond)
	sched := scheduler.New(clk, b)
	hooks := hotkey.New(b, exec, backend)
	ctrl := New(b, exec, sched, hooks, key.Key("f8"))
	ctrl.ApplySnapshot(&cfg.Snapshot{})
	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Start(ctx)
	cancel()

	err := ctrl.Transition(Ready)
	if err != ErrShutdown {
		t.Fatalf("Transition after cancel = %v, want ErrShutdown", err)
	}
	if CodeOf(err) != CodeShutdown {
		t.Fatalf("CodeOf(ErrShutdown) = %d, want %d", CodeOf(err), CodeShutdown)
	}
}

func TestCodeOfMapsAPIErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{ErrInvalidTransition{From: Stopped, To: Running}, CodeInvalidTransition},
		{hotkey.ErrUnknownKey, CodeUnknownKey},
		{ErrDuplicateTask, CodeDuplicateTask},
		{ErrShutdown, CodeShutdown},
		{&hotkey.RegistrationError{Key: "f8"}, CodeHookFailed},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPausedStillDrainsEmergencyQueue(t *testing.T) {
	ctrl, _ := newHarness(t)
	_ = ctrl.Transition(Ready)
	_ = ctrl.Transition(Running)
	_ = ctrl.Transition(Paused)
	// PauseManual only sets manual_paused; it does not touch the
	// Emergency queue's eligibility.
	exec := ctrl.exec
	exec.Enqueue(executor.Emergency, executor.Press("hp"))
	time.Sleep(50 * time.Millisecond)
	if exec.Stats().ProcessedTotal == 0 {
		t.Fatal("expected the emergency action to be processed while Paused")
	}
}
