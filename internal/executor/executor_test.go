package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/key"
)

// fakeOS records every KeyDown/KeyUp call in order.
type fakeOS struct {
	mu    sync.Mutex
	calls []string
	fail  map[key.Key]bool
}

func newFakeOS() *fakeOS { return &fakeOS{fail: make(map[key.Key]bool)} }

func (f *fakeOS) KeyDown(k key.Key) error { return f.record("down", k) }
func (f *fakeOS) KeyUp(k key.Key) error   { return f.record("up", k) }

func (f *fakeOS) record(kind string, k key.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[k] {
		return errBoom
	}
	f.calls = append(f.calls, kind+":"+string(k))
	return nil
}

func (f *fakeOS) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}

func newTestExecutor() (*Executor, *fakeOS) {
	os := newFakeOS()
	e := New(clock.New(), bus.New(), os, 10*time.Millisecond)
	return e, os
}

func TestStrictPriorityEmergencyFirst(t *testing.T) {
	e, os := newTestExecutor()
	e.Enqueue(Low, Press("l"))
	e.Enqueue(Normal, Press("n"))
	e.Enqueue(Emergency, Press("e"))
	e.Step()
	calls := os.snapshot()
	if len(calls) != 2 || calls[0] != "down:e" || calls[1] != "up:e" {
		t.Fatalf("expected emergency action selected first, got %v", calls)
	}
}

func TestEmergencyThroughManualPause(t *testing.T) {
	e, os := newTestExecutor()
	e.PauseManual()
	e.Enqueue(Normal, Press("n"))
	e.Enqueue(Emergency, Press("e1"))
	e.Enqueue(Emergency, Press("e2"))
	e.Step()
	e.Step()
	e.Step() // should be a no-op: N is not drained while manual_paused
	calls := os.snapshot()
	want := []string{"down:e1", "up:e1", "down:e2", "up:e2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestSpecialKeyFiltersNonEmergency(t *testing.T) {
	e, os := newTestExecutor()
	e.CacheEmergencyKeys("hp", "mp")
	e.SetSpecialPaused(true)
	e.Enqueue(Normal, Press("q"))  // a skill, must be filtered
	e.Enqueue(Normal, Press("hp")) // emergency-qualifying, must pass through
	e.Step()
	calls := os.snapshot()
	if len(calls) != 2 || calls[0] != "down:hp" || calls[1] != "up:hp" {
		t.Fatalf("expected only the emergency-qualifying press to run, got %v", calls)
	}
	e.SetSpecialPaused(false)
	e.Step()
	calls = os.snapshot()
	if len(calls) != 4 || calls[2] != "down:q" {
		t.Fatalf("expected the filtered skill to run once special mode ends, got %v", calls)
	}
}

func TestDelayIsolation(t *testing.T) {
	e, os := newTestExecutor()
	e.Enqueue(Emergency, Delay(50))
	e.Enqueue(Normal, Press("q"))
	e.Step() // installs delay_until
	e.Step() // delay not yet expired: nothing executes and N is cleared
	if len(os.snapshot()) != 0 {
		t.Fatalf("expected no action executed while delay_until is pending, got %v", os.snapshot())
	}
	time.Sleep(60 * time.Millisecond)
	e.Step() // delay now expired, queueLen()==0 since N was cleared by the pending-delay rule
	if len(os.snapshot()) != 0 {
		t.Fatalf("expected the cleared Normal queue to stay empty, got %v", os.snapshot())
	}
}

func TestManagedCleanupRemovesFromDedupSet(t *testing.T) {
	e, _ := newTestExecutor()
	e.MarkSequenceActive("e")
	if !e.ActiveSequence("e") {
		t.Fatal("expected e to be active after MarkSequenceActive")
	}
	e.Enqueue(Emergency, Cleanup("e"))
	e.Step()
	if e.ActiveSequence("e") {
		t.Fatal("expected e to be removed from active_sequences after Cleanup executes")
	}
}

func TestForceMoveSubstitutesEveryPress(t *testing.T) {
	e, os := newTestExecutor()
	e.SetForceMoveReplacement("w")
	e.SetForceMove(true)
	e.Enqueue(Normal, Press("1"))
	e.Step()
	calls := os.snapshot()
	if len(calls) != 2 || calls[0] != "down:w" || calls[1] != "up:w" {
		t.Fatalf("expected Press(1) to be substituted with w, got %v", calls)
	}
}

func TestStationaryShiftModifierWrapsPress(t *testing.T) {
	e, os := newTestExecutor()
	e.SetStationary(true, StationaryShiftModifier)
	e.Enqueue(Normal, Press("1"))
	e.Step()
	calls := os.snapshot()
	want := []string{"down:shift", "down:1", "up:1", "up:shift"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestActionFailureIsolatesAndContinues(t *testing.T) {
	e, os := newTestExecutor()
	os.fail["bad"] = true
	e.Enqueue(Normal, Press("bad"))
	e.Step()
	if e.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", e.Stats().Dropped)
	}
	e.Enqueue(Normal, Press("good"))
	e.Step()
	calls := os.snapshot()
	if len(calls) != 2 || calls[0] != "down:good" {
		t.Fatalf("expected executor to keep running after a dropped action, got %v", calls)
	}
}

func TestSequenceRunsSynchronousDelayInline(t *testing.T) {
	e, os := newTestExecutor()
	start := time.Now()
	e.Enqueue(Emergency, Sequence(Press("a"), Delay(20), Press("b")))
	e.Step()
	elapsed := time.Since(start)
	if elapsed < 20*time.Millisecond {
		t.Fatalf("expected the sequence's inline Delay to block the tick, elapsed=%s", elapsed)
	}
	calls := os.snapshot()
	want := []string{"down:a", "up:a", "down:b", "up:b"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}
