package repo

import (
	"context"
	"errors"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrExecutionInProgress signals the storage-level guarantee of at most
	// one open execution per record: the insert found a conflicting
	// non-terminal row.
	ErrExecutionInProgress = errors.New("an open transition execution already exists for this record")

	// ErrActiveBlueprintExists signals the one-active-blueprint-per
	// module+field constraint.
	ErrActiveBlueprintExists = errors.New("an active blueprint already governs this module field")

	// ErrStaleStatus signals a lost compare-and-set on execution status.
	ErrStaleStatus = errors.New("execution status changed concurrently")
)

type BlueprintFilter struct {
	Module string
	Active *bool
	Limit  int
}

type ExecutionFilter struct {
	BlueprintID string
	RecordID    string
	Status      domain.ExecutionStatus
	Limit       int
}

// BlueprintRepository manages blueprint definitions and their immutable
// revision history. Save bumps the version and snapshots the definition so
// suspended executions can resume against the revision they started under.
type BlueprintRepository interface {
	Create(ctx context.Context, blueprint domain.Blueprint) (domain.Blueprint, error)
	Update(ctx context.Context, blueprint domain.Blueprint) (domain.Blueprint, error)
	Get(ctx context.Context, id string) (domain.Blueprint, error)
	GetRevision(ctx context.Context, id string, version int) (domain.Blueprint, error)
	FindActiveByModuleField(ctx context.Context, module, field string) (domain.Blueprint, error)
	List(ctx context.Context, filter BlueprintFilter) ([]domain.Blueprint, error)
	Delete(ctx context.Context, id string) error
}

// RecordStateRepository manages the live (blueprint, record) → state pointer.
type RecordStateRepository interface {
	Get(ctx context.Context, blueprintID, recordID string) (domain.RecordState, error)
	// CreateIfAbsent is the idempotent first-entry write; the bool reports
	// whether a new row was created.
	CreateIfAbsent(ctx context.Context, state domain.RecordState) (domain.RecordState, bool, error)
	// Advance moves the pointer after a completed transition.
	Advance(ctx context.Context, blueprintID, recordID, stateID string, enteredAt time.Time, slaInstanceID string) error
}

// ExecutionRepository manages transition execution attempts. InsertOpen is
// atomic insert-if-absent over the open-execution partial uniqueness rule.
type ExecutionRepository interface {
	InsertOpen(ctx context.Context, execution domain.TransitionExecution) (domain.TransitionExecution, error)
	Get(ctx context.Context, id string) (domain.TransitionExecution, error)
	// UpdateStatus is a compare-and-set from the expected current status.
	UpdateStatus(ctx context.Context, id string, from, to domain.ExecutionStatus, errorMessage string, completedAt *time.Time) error
	SetRequirementsData(ctx context.Context, id string, data domain.Metadata) error
	AppendActionResult(ctx context.Context, id string, result domain.ActionResult) error
	List(ctx context.Context, filter ExecutionFilter) ([]domain.TransitionExecution, error)
}

// ApprovalRepository manages approval requests and per-approver decisions.
type ApprovalRepository interface {
	CreateRequest(ctx context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, error)
	GetPendingByExecution(ctx context.Context, executionID string) (domain.ApprovalRequest, error)
	// RecordDecision is idempotent per (request, approver): a repeated
	// decision from the same approver does not change the first answer.
	RecordDecision(ctx context.Context, decision domain.ApprovalDecision) error
	ListDecisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error)
	CloseRequest(ctx context.Context, requestID string, status domain.ApprovalRequestStatus, respondedAt time.Time) error
	ListPending(ctx context.Context, limit int) ([]domain.ApprovalRequest, error)
}

// SlaInstanceRepository manages armed SLA timers. The Mark* operations are
// atomic check-and-sets returning whether this caller won the write, which
// makes escalation firing idempotent under overlapping scans.
type SlaInstanceRepository interface {
	Create(ctx context.Context, instance domain.SlaInstance) (domain.SlaInstance, error)
	Get(ctx context.Context, id string) (domain.SlaInstance, error)
	GetActiveByRecord(ctx context.Context, blueprintID, recordID string) (domain.SlaInstance, error)
	Close(ctx context.Context, id string, status domain.SlaInstanceStatus, completedAt time.Time) error
	ListActive(ctx context.Context, limit int) ([]domain.SlaInstance, error)
	MarkWarned(ctx context.Context, id string, warnedAt time.Time) (bool, error)
	MarkEscalated(ctx context.Context, id string, escalatedAt time.Time) (bool, error)
	MarkBreached(ctx context.Context, id string) (bool, error)
}
