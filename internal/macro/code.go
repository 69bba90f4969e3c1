package macro

import (
	"errors"

	"github.com/soloxyq/pyahk/internal/hotkey"
)

// Code is the integer form of the core's public-API outcomes, for
// boundaries where the caller only gets a number back (a process exit
// status, a foreign-function return). In-process callers should branch
// on the error values themselves.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidTransition
	CodeUnknownKey
	CodeHookFailed
	CodeDuplicateTask
	CodeShutdown
)

// ErrShutdown is returned by Transition once the context passed to
// Start has been cancelled; no further lifecycle changes are accepted.
var ErrShutdown = errors.New("macro: shutdown in progress")

// ErrDuplicateTask is the error form of a scheduler Add refusing an
// already-present task id, for callers that need a Code rather than
// the scheduler's boolean return.
var ErrDuplicateTask = errors.New("macro: duplicate task id")

// CodeOf translates an error from the core's public API into its Code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrShutdown):
		return CodeShutdown
	case errors.Is(err, ErrDuplicateTask):
		return CodeDuplicateTask
	case errors.Is(err, hotkey.ErrUnknownKey):
		return CodeUnknownKey
	}
	var invalid ErrInvalidTransition
	if errors.As(err, &invalid) {
		return CodeInvalidTransition
	}
	// Everything else surfacing from the core's registration paths is
	// an OS hook refusal.
	return CodeHookFailed
}
