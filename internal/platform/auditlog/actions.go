package auditlog

import (
	"context"
	"time"
)

// Actions recorded by the blueprint engine and admin API.
const (
	ActionBlueprintCreated     = "blueprint.created"
	ActionBlueprintUpdated     = "blueprint.updated"
	ActionBlueprintActivated   = "blueprint.activated"
	ActionBlueprintDeactivated = "blueprint.deactivated"
	ActionBlueprintDeleted     = "blueprint.deleted"

	ActionTransitionAttempted = "transition.attempted"
	ActionTransitionCompleted = "transition.completed"
	ActionTransitionFailed    = "transition.failed"
	ActionTransitionCancelled = "transition.cancelled"

	ActionApprovalDecision = "approval.decision"
	ActionApprovalExpired  = "approval.expired"

	ActionSlaWarned    = "sla.warned"
	ActionSlaEscalated = "sla.escalated"
	ActionSlaBreached  = "sla.breached"
)

// Recorder is the narrow sink services use; it hides the table plumbing and
// swallows nothing: callers decide whether a failed write is fatal.
type Recorder struct {
	q QueryRower
}

func NewRecorder(q QueryRower) *Recorder {
	if q == nil {
		return nil
	}
	return &Recorder{q: q}
}

func (r *Recorder) Record(ctx context.Context, actor, action, resourceType, resourceID, requestID string, payload any) error {
	if r == nil || r.q == nil {
		return nil
	}
	_, err := Insert(ctx, r.q, Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    requestID,
		Payload:      payload,
	})
	return err
}
