package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBlueprintInactive rejects attempts against a deactivated blueprint.
	ErrBlueprintInactive = errors.New("blueprint is not active")

	// ErrTransitionNotAvailable rejects a transition whose from-state does
	// not match the record's current state, or which is inactive.
	ErrTransitionNotAvailable = errors.New("transition is not available from the current state")

	// ErrConditionsNotMet rejects an attempt whose guard clauses fail.
	ErrConditionsNotMet = errors.New("transition conditions not met")

	// ErrNotAwaitingRequirements rejects requirement data supplied to an
	// execution that is not suspended on requirements.
	ErrNotAwaitingRequirements = errors.New("execution is not awaiting requirements")

	// ErrNotAwaitingApproval rejects a decision on an execution that is not
	// suspended on approval.
	ErrNotAwaitingApproval = errors.New("execution is not awaiting approval")

	// ErrNotApprover rejects a decision from a user outside the resolved
	// approver set.
	ErrNotApprover = errors.New("user is not an eligible approver")
)

// ConditionsError lists the failing guard clauses behind ErrConditionsNotMet.
type ConditionsError struct {
	Failed []string
}

func (e *ConditionsError) Error() string {
	return fmt.Sprintf("transition conditions not met: %s", strings.Join(e.Failed, "; "))
}

func (e *ConditionsError) Unwrap() error {
	return ErrConditionsNotMet
}
