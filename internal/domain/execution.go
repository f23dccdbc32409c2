package domain

import (
	"strings"
	"time"
)

// ExecutionStatus is the sub-state-machine tracking one attempt to fire a
// transition. The two awaiting states are durable suspension points; an
// execution may sit in them for days and resume with no process affinity.
type ExecutionStatus string

const (
	ExecutionPending               ExecutionStatus = "pending"
	ExecutionAwaitingRequirements  ExecutionStatus = "awaiting_requirements"
	ExecutionAwaitingApproval      ExecutionStatus = "awaiting_approval"
	ExecutionInProgress            ExecutionStatus = "in_progress"
	ExecutionCompleted             ExecutionStatus = "completed"
	ExecutionFailed                ExecutionStatus = "failed"
	ExecutionCancelled             ExecutionStatus = "cancelled"
	// ExecutionRolledBack is terminal and reachable only through manual
	// administrative reversal, never set by the engine.
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// NormalizeExecutionStatus maps free-form status values to canonical ones.
func NormalizeExecutionStatus(value string) ExecutionStatus {
	switch ExecutionStatus(strings.ToLower(strings.TrimSpace(value))) {
	case ExecutionPending:
		return ExecutionPending
	case ExecutionAwaitingRequirements:
		return ExecutionAwaitingRequirements
	case ExecutionAwaitingApproval:
		return ExecutionAwaitingApproval
	case ExecutionInProgress:
		return ExecutionInProgress
	case ExecutionCompleted:
		return ExecutionCompleted
	case ExecutionFailed:
		return ExecutionFailed
	case ExecutionCancelled:
		return ExecutionCancelled
	case ExecutionRolledBack:
		return ExecutionRolledBack
	default:
		return ""
	}
}

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack:
		return true
	default:
		return false
	}
}

// CanTransitionExecutionStatus enforces the legality table:
// pending fans out to the suspension states or in_progress; the suspension
// states may swap with each other (a satisfied requirement can reveal a
// still-pending approval and vice versa) or proceed; in_progress resolves
// terminally. Cancellation is legal from any non-terminal status.
func CanTransitionExecutionStatus(current, next ExecutionStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current.Terminal() {
		return false
	}
	if next == ExecutionCancelled {
		return true
	}
	switch current {
	case ExecutionPending:
		switch next {
		case ExecutionAwaitingRequirements, ExecutionAwaitingApproval, ExecutionInProgress:
			return true
		}
	case ExecutionAwaitingRequirements:
		switch next {
		case ExecutionAwaitingApproval, ExecutionInProgress, ExecutionFailed:
			return true
		}
	case ExecutionAwaitingApproval:
		switch next {
		case ExecutionAwaitingRequirements, ExecutionInProgress, ExecutionFailed:
			return true
		}
	case ExecutionInProgress:
		switch next {
		case ExecutionCompleted, ExecutionFailed:
			return true
		}
	}
	return false
}

// TransitionExecution is one attempt to fire a transition on a record.
// From/to states and the blueprint version are snapshotted at start so the
// history stays stable under later blueprint edits; suspended executions
// resume against the pinned version.
type TransitionExecution struct {
	ID               string
	BlueprintID      string
	BlueprintVersion int
	TransitionID     string
	RecordID         string
	FromStateID      string
	ToStateID        string
	ExecutedBy       string
	Status           ExecutionStatus
	RequirementsData Metadata
	ActionResults    []ActionResult
	ErrorMessage     string
	StartedAt        time.Time
	CompletedAt      *time.Time
}
