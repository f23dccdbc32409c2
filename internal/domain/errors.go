package domain

import "errors"

// Structural configuration errors, rejected at blueprint save time. They
// never surface during transition execution: an invalid blueprint is never
// persisted.
var (
	ErrInvalidReference    = errors.New("transition references a state outside its blueprint")
	ErrDuplicateStateValue = errors.New("state field option value is not unique within blueprint")
	ErrMissingInitialState = errors.New("blueprint must have exactly one initial state")
)

// Runtime errors.
var (
	// ErrInvalidState rejects a transition attempt that is not legal from
	// the record's current state (stale-UI race guard).
	ErrInvalidState = errors.New("transition is not available from the record's current state")

	// ErrNotResumable rejects requirement or approval input supplied to an
	// execution that is not suspended waiting for it.
	ErrNotResumable = errors.New("execution is not awaiting this input")

	// ErrExecutionTerminal rejects mutation of an execution that already
	// reached a terminal status.
	ErrExecutionTerminal = errors.New("execution already reached a terminal status")
)
