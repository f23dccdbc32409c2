package engine

import (
	"context"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
)

// RecordStore is the engine's view of CRM record storage. The engine reads
// field maps for guard evaluation and writes the governed field when a
// transition completes.
type RecordStore interface {
	GetRecord(ctx context.Context, module, recordID string) (domain.FieldMap, error)
	UpdateField(ctx context.Context, module, recordID, field string, value any) error
}

// ActionInput carries the context an action runs in.
type ActionInput struct {
	Blueprint  domain.Blueprint
	Transition domain.Transition
	Execution  domain.TransitionExecution
	Record     domain.FieldMap
	Actor      string
}

// ActionExecutor runs one configured action and reports its outcome. It never
// returns an error: failures are encoded in the result so the engine can keep
// sequencing the remaining actions.
type ActionExecutor interface {
	Execute(ctx context.Context, action domain.Action, input ActionInput) domain.ActionResult
}

// DirectoryResolver answers the organizational lookups the engine cannot do
// from record data alone.
type DirectoryResolver interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	ManagerOf(ctx context.Context, userID string) (string, error)
}

// AttachmentCounter reports how many attachments a record has stored.
type AttachmentCounter interface {
	CountAttachments(ctx context.Context, module, recordID string, max int) (int, error)
}

// Calendar computes working-time deadlines for SLA timers.
type Calendar interface {
	DueAt(start time.Time, hours int, businessHoursOnly, excludeWeekends bool) time.Time
}

// Auditor records engine activity in the audit trail.
type Auditor interface {
	Record(ctx context.Context, actor, action, resourceType, resourceID, requestID string, payload any) error
}
