package engine

import (
	"context"
	"errors"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/repo"
)

// SlaStatus is the live timer view for a record.
type SlaStatus struct {
	Instance       domain.SlaInstance
	PercentElapsed float64
	Remaining      time.Duration
}

// SLAStatus returns the record's active timer, or repo.ErrNotFound when the
// current state carries no SLA.
func (e *Engine) SLAStatus(ctx context.Context, blueprintID, recordID string) (SlaStatus, error) {
	instance, err := e.slaInstances.GetActiveByRecord(ctx, blueprintID, recordID)
	if err != nil {
		return SlaStatus{}, err
	}
	now := e.now().UTC()
	return SlaStatus{
		Instance:       instance,
		PercentElapsed: instance.PercentElapsed(now),
		Remaining:      instance.Remaining(now),
	}, nil
}

// ScanSLAs walks the active timers once: fires warning escalations when the
// warn threshold passes and breach escalations when the deadline passes.
// Firing is idempotent across overlapping scans; only the caller that wins
// the check-and-set runs the escalation actions.
func (e *Engine) ScanSLAs(ctx context.Context, limit int) (warned, breached int, err error) {
	instances, err := e.slaInstances.ListActive(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	now := e.now().UTC()
	for _, instance := range instances {
		blueprint, err := e.blueprints.Get(ctx, instance.BlueprintID)
		if err != nil {
			e.logger.Warn("sla scan: load blueprint", "sla_instance_id", instance.ID, "error", err)
			continue
		}
		sla, ok := slaByID(blueprint, instance.SlaID)
		if !ok {
			e.logger.Warn("sla scan: sla no longer defined", "sla_instance_id", instance.ID, "sla_id", instance.SlaID)
			continue
		}

		if instance.Breached(now) {
			won, err := e.slaInstances.MarkBreached(ctx, instance.ID)
			if err != nil {
				return warned, breached, err
			}
			if !won {
				continue
			}
			breached++
			e.recordAudit(ctx, "system", auditlog.ActionSlaBreached, instance.ID, "", map[string]any{
				"blueprint_id": instance.BlueprintID,
				"record_id":    instance.RecordID,
				"due_at":       instance.DueAt,
			})
			if escalated, err := e.slaInstances.MarkEscalated(ctx, instance.ID, now); err != nil {
				return warned, breached, err
			} else if escalated {
				e.fireEscalations(ctx, blueprint, sla, instance, domain.SlaTriggerBreached)
			}
			continue
		}

		if instance.WarnAt != nil && !now.Before(*instance.WarnAt) {
			won, err := e.slaInstances.MarkWarned(ctx, instance.ID, now)
			if err != nil {
				return warned, breached, err
			}
			if !won {
				continue
			}
			warned++
			e.recordAudit(ctx, "system", auditlog.ActionSlaWarned, instance.ID, "", map[string]any{
				"blueprint_id": instance.BlueprintID,
				"record_id":    instance.RecordID,
				"due_at":       instance.DueAt,
			})
			e.fireEscalations(ctx, blueprint, sla, instance, domain.SlaTriggerApproaching)
		}
	}
	return warned, breached, nil
}

// armSla starts a timer for the state just entered, if it defines an active
// SLA. Returns the instance id, or "" when the state has no SLA.
func (e *Engine) armSla(ctx context.Context, blueprint domain.Blueprint, stateID, recordID string, enteredAt time.Time) string {
	sla, ok := blueprint.SlaForState(stateID)
	if !ok {
		return ""
	}

	dueAt := e.calendar.DueAt(enteredAt, sla.DurationHours, sla.BusinessHoursOnly, sla.ExcludeWeekends)
	var warnAt *time.Time
	if sla.WarningHours > 0 && sla.WarningHours < sla.DurationHours {
		w := e.calendar.DueAt(enteredAt, sla.DurationHours-sla.WarningHours, sla.BusinessHoursOnly, sla.ExcludeWeekends)
		warnAt = &w
	}

	instance, err := e.slaInstances.Create(ctx, domain.SlaInstance{
		SlaID:          sla.ID,
		BlueprintID:    blueprint.ID,
		RecordID:       recordID,
		StateEnteredAt: enteredAt,
		DueAt:          dueAt,
		WarnAt:         warnAt,
		Status:         domain.SlaInstanceActive,
	})
	if err != nil {
		e.logger.Error("arm sla", "blueprint_id", blueprint.ID, "record_id", recordID, "sla_id", sla.ID, "error", err)
		return ""
	}
	return instance.ID
}

// closeActiveSla finalizes the timer for the state being left: met when the
// record moved before the deadline, breached otherwise.
func (e *Engine) closeActiveSla(ctx context.Context, blueprint domain.Blueprint, recordID string, now time.Time) {
	instance, err := e.slaInstances.GetActiveByRecord(ctx, blueprint.ID, recordID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			e.logger.Warn("close sla", "blueprint_id", blueprint.ID, "record_id", recordID, "error", err)
		}
		return
	}
	status := domain.SlaInstanceMet
	if instance.Breached(now) {
		status = domain.SlaInstanceBreached
	}
	if err := e.slaInstances.Close(ctx, instance.ID, status, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.logger.Warn("close sla", "sla_instance_id", instance.ID, "error", err)
	}
}

// fireEscalations runs the SLA's configured escalation actions for a trigger
// through the action executor. Escalation failures are logged, never fatal to
// the scan.
func (e *Engine) fireEscalations(ctx context.Context, blueprint domain.Blueprint, sla domain.Sla, instance domain.SlaInstance, trigger domain.SlaTrigger) {
	record, err := e.records.GetRecord(ctx, blueprint.Module, instance.RecordID)
	if err != nil {
		e.logger.Warn("sla escalation: load record", "sla_instance_id", instance.ID, "error", err)
		record = domain.FieldMap{}
	}

	for _, escalation := range sla.Escalations {
		if escalation.Trigger != trigger {
			continue
		}
		action := domain.Action{
			ID:     escalation.ID,
			Kind:   escalation.Action,
			Config: escalation.Config,
			Active: true,
		}
		result := e.actions.Execute(ctx, action, ActionInput{
			Blueprint: blueprint,
			Record:    record,
			Actor:     "system",
			Execution: domain.TransitionExecution{
				BlueprintID: blueprint.ID,
				RecordID:    instance.RecordID,
			},
		})
		if result.Status == domain.ActionResultFailed {
			e.logger.Warn("sla escalation action failed",
				"sla_instance_id", instance.ID,
				"trigger", string(trigger),
				"action", string(escalation.Action),
				"error", result.Error,
			)
		}
		e.recordAudit(ctx, "system", auditlog.ActionSlaEscalated, instance.ID, "", map[string]any{
			"trigger": string(trigger),
			"action":  string(escalation.Action),
			"status":  result.Status,
		})
	}
}

func slaByID(blueprint domain.Blueprint, slaID string) (domain.Sla, bool) {
	for _, sla := range blueprint.Slas {
		if sla.ID == slaID {
			return sla, true
		}
	}
	return domain.Sla{}, false
}
