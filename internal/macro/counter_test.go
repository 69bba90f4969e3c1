package macro

import (
	"context"
	"os"
	"path/filepath"
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

func newHarnessWithCountFile(t *testing.T, path string) (*Controller, *bus.Bus) {
	t.Helper()
	backend := hotkey.NewFakeBackend()
	b := bus.New()
	clk := clock.New()
	exec := executor.New(clk, b, backend, 10*time.Millisecond)
	sched := scheduler.New(clk, b)
	hooks := hotkey.New(b, exec, backend)
	ctrl := New(b, exec, sched, hooks, key.Key("f8"))
	ctrl.ApplySnapshot(&cfg.Snapshot{ActionCountFile: path})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctrl.Start(ctx)
	return ctrl, b
}

func TestActionCounterPersistsAndResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count.txt")

	c, err := newActionCounter(path)
	if err != nil {
		t.Fatalf("newActionCounter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		c.Increment()
	}
	cancel()
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read count file: %v", err)
	}
	if string(data) != "5" {
		t.Fatalf("count file = %q, want %q", data, "5")
	}

	c2, err := newActionCounter(path)
	if err != nil {
		t.Fatalf("newActionCounter (resume): %v", err)
	}
	if c2.count != 5 {
		t.Fatalf("resumed count = %d, want 5", c2.count)
	}
	c2.file.Close()
}

func TestActionCounterNoopWithEmptyPath(t *testing.T) {
	c, err := newActionCounter("")
	if err != nil {
		t.Fatalf("newActionCounter: %v", err)
	}
	// Must not panic or block: Increment and Run are both no-ops.
	c.Increment()
	c.Run(context.Background())
}

func TestActionCounterWiredThroughController(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count.txt")
	ctrl, _ := newHarnessWithCountFile(t, path)
	_ = ctrl.Transition(Ready)
	_ = ctrl.Transition(Running)

	ctrl.exec.Enqueue(executor.Emergency, executor.Press(key.Key("a")))
	time.Sleep(50 * time.Millisecond)

	if ctrl.exec.Stats().ProcessedTotal == 0 {
		t.Fatal("expected at least one processed action")
	}

	if err := ctrl.Transition(Stopped); err != nil {
		t.Fatalf("Running->Stopped: %v", err)
	}
	ctrl.Wait()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read count file: %v", err)
	}
	if string(data) != "1" {
		t.Fatalf("count file = %q, want %q", data, "1")
	}
}
