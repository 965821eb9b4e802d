// Package engine – errors.go defines the engine's error taxonomy. Callers
// classify failures with errors.Is; automatic runs treat denied, busy, and
// cancelled as silent no-ops while manual runs surface the reason.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSafeguardDenied means a safeguard blocked the run. Not a failure:
	// automatic runs skip silently, manual runs show the reason.
	ErrSafeguardDenied = errors.New("safeguard denied")

	// ErrAlreadyRunning means the channel's run slot is occupied.
	ErrAlreadyRunning = errors.New("an instruction is already running in this channel")

	// ErrScopeRequired means a modify/move run found already-processed
	// target cards and needs an explicit scope choice before proceeding.
	ErrScopeRequired = errors.New("run scope choice required")

	// ErrAIInvocationFailed wraps network/provider failures from the AI
	// collaborator.
	ErrAIInvocationFailed = errors.New("ai invocation failed")

	// ErrAIResponseInvalid means the collaborator's payload could not be
	// interpreted at all. Partially malformed payloads degrade instead.
	ErrAIResponseInvalid = errors.New("ai response invalid")

	// ErrCancelled means the run was cancelled before mutations applied.
	ErrCancelled = errors.New("run cancelled")

	// ErrUndoConflict means a concurrent undo won the race for the same
	// run. Callers present it as "already undone", not as a failure; an
	// undo requested after the flag is already visible is a plain no-op
	// result instead.
	ErrUndoConflict = errors.New("run already undone")
)

// DenialError carries the human-readable reason a safeguard refused a run.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("safeguard denied: %s", e.Reason)
}

// Unwrap makes errors.Is(err, ErrSafeguardDenied) hold for denials.
func (e *DenialError) Unwrap() error {
	return ErrSafeguardDenied
}
