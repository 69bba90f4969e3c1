package executor

import "github.com/soloxyq/pyahk/internal/key"

// Priority selects which of the four FIFO queues an Action is
// appended to. Lower values are drained first.
type Priority int

const (
	Emergency Priority = iota
	High
	Normal
	Low
)

// numPriorities is the number of independent queues the executor
// maintains (E, H, N, L).
const numPriorities = 4

func (p Priority) String() string {
	switch p {
	case Emergency:
		return "emergency"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Kind tags the variant an Action holds.
type Kind int

const (
	KindPress Kind = iota
	KindHold
	KindRelease
	KindSequence
	KindMouseClick
	KindDelay
	KindNotify
	KindCleanup
)

// MouseButton enumerates the pseudo-mouse buttons a MouseClick action
// may target.
type MouseButton int

const (
	MouseLeft MouseButton = iota
	MouseRight
	MouseMiddle
)

func (b MouseButton) key() key.Key {
	switch b {
	case MouseRight:
		return key.RButton
	case MouseMiddle:
		return key.MButton
	default:
		return key.LButton
	}
}

// Action is one executor step. Exactly one of the fields below is
// meaningful, selected by Kind.
type Action struct {
	Kind Kind

	Key    key.Key     // Press, Hold, Release
	Steps  []Action    // Sequence
	Button MouseButton // MouseClick
	Ms     uint64      // Delay
	Event  string      // Notify: "topic:payload"
	SeqID  string      // Cleanup
}

// Press returns an Action that emits a down-then-up of k within one
// executor tick (subject to force-move/stationary-mode substitution).
func Press(k key.Key) Action { return Action{Kind: KindPress, Key: k} }

// Hold returns an Action that emits a key-down only.
func Hold(k key.Key) Action { return Action{Kind: KindHold, Key: k} }

// Release returns an Action that emits a key-up only.
func Release(k key.Key) Action { return Action{Kind: KindRelease, Key: k} }

// Sequence returns an Action that executes steps linearly and
// atomically within a single tick; Delay sub-steps inside a Sequence
// are synchronous (the only synchronous delay in the system).
func Sequence(steps ...Action) Action { return Action{Kind: KindSequence, Steps: steps} }

// Click returns an Action that emits a down-then-up of the given
// mouse button.
func Click(b MouseButton) Action { return Action{Kind: KindMouseClick, Button: b} }

// Delay returns an Action that asynchronously installs a
// delay_until deadline ms milliseconds in the future; it does not
// block the executor thread.
func Delay(ms uint64) Action { return Action{Kind: KindDelay, Ms: ms} }

// Notify returns an Action that publishes "topic:payload" (parsed from
// event on the first colon) to the bus, with no input side-effect.
func Notify(event string) Action { return Action{Kind: KindNotify, Event: event} }

// Cleanup returns an Action that removes seqID from the de-dup set.
func Cleanup(seqID string) Action { return Action{Kind: KindCleanup, SeqID: seqID} }
