package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaycrm/relay-go/internal/condition"
	"github.com/relaycrm/relay-go/internal/domain"
)

// RequirementStatus reports one requirement's verdict for an execution.
type RequirementStatus struct {
	Requirement domain.Requirement
	Satisfied   bool
	Reason      string
}

// SupplyRequirement merges caller-supplied data into a suspended execution
// and re-evaluates the gates. The execution either stays suspended, moves on
// to awaiting_approval, or proceeds to the action phase.
func (e *Engine) SupplyRequirement(ctx context.Context, executionID string, data domain.Metadata, actor, requestID string) (domain.TransitionExecution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if execution.Status != domain.ExecutionAwaitingRequirements {
		if execution.Status.Terminal() {
			return domain.TransitionExecution{}, domain.ErrExecutionTerminal
		}
		return domain.TransitionExecution{}, ErrNotAwaitingRequirements
	}

	merged := execution.RequirementsData
	if merged == nil {
		merged = domain.Metadata{}
	}
	for key, value := range data {
		merged[key] = value
	}
	if err := e.executions.SetRequirementsData(ctx, execution.ID, merged); err != nil {
		return domain.TransitionExecution{}, err
	}
	execution.RequirementsData = merged

	blueprint, transition, err := e.pinnedBlueprint(ctx, execution)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	record, err := e.records.GetRecord(ctx, blueprint.Module, execution.RecordID)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("load record: %w", err)
	}

	unmet, err := e.unmetRequirements(ctx, blueprint, transition, execution.RecordID, record, merged)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if len(unmet) > 0 {
		return execution, nil
	}

	if transition.Approval != nil {
		if err := e.openApprovalRequest(ctx, blueprint, execution, actor); err != nil {
			return domain.TransitionExecution{}, err
		}
		if err := e.moveStatus(ctx, &execution, domain.ExecutionAwaitingApproval, "", nil); err != nil {
			return domain.TransitionExecution{}, err
		}
		return execution, nil
	}

	return e.proceed(ctx, blueprint, transition, execution, record, actor, requestID)
}

// RequirementStatuses evaluates every requirement on an open execution, for
// display alongside the suspended execution.
func (e *Engine) RequirementStatuses(ctx context.Context, executionID string) ([]RequirementStatus, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	blueprint, transition, err := e.pinnedBlueprint(ctx, execution)
	if err != nil {
		return nil, err
	}
	record, err := e.records.GetRecord(ctx, blueprint.Module, execution.RecordID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	statuses := make([]RequirementStatus, 0, len(transition.Requirements))
	for _, req := range transition.Requirements {
		satisfied, reason, err := e.requirementSatisfied(ctx, blueprint, req, execution.RecordID, record, execution.RequirementsData)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, RequirementStatus{Requirement: req, Satisfied: satisfied, Reason: reason})
	}
	return statuses, nil
}

// unmetRequirements returns the mandatory requirements still blocking the
// transition. Optional requirements never block.
func (e *Engine) unmetRequirements(ctx context.Context, blueprint domain.Blueprint, transition domain.Transition, recordID string, record domain.FieldMap, supplied domain.Metadata) ([]domain.Requirement, error) {
	var unmet []domain.Requirement
	for _, req := range transition.Requirements {
		if !req.Required {
			continue
		}
		satisfied, _, err := e.requirementSatisfied(ctx, blueprint, req, recordID, record, supplied)
		if err != nil {
			return nil, err
		}
		if !satisfied {
			unmet = append(unmet, req)
		}
	}
	return unmet, nil
}

func (e *Engine) requirementSatisfied(ctx context.Context, blueprint domain.Blueprint, req domain.Requirement, recordID string, record domain.FieldMap, supplied domain.Metadata) (bool, string, error) {
	switch req.Kind {
	case domain.RequirementField:
		if condition.Present(record, req.Field) || suppliedPresent(supplied, req.Field) {
			return true, "", nil
		}
		return false, fmt.Sprintf("field %q is empty", req.Field), nil

	case domain.RequirementNote:
		if suppliedPresent(supplied, req.Field) {
			return true, "", nil
		}
		return false, fmt.Sprintf("note %q not supplied", req.Field), nil

	case domain.RequirementAttachment:
		if suppliedPresent(supplied, req.Field) {
			return true, "", nil
		}
		min := configInt(req.Config, "min_count", 1)
		if e.attachments != nil {
			count, err := e.attachments.CountAttachments(ctx, blueprint.Module, recordID, min)
			if err != nil {
				return false, "", fmt.Errorf("count attachments: %w", err)
			}
			if count >= min {
				return true, "", nil
			}
		}
		return false, fmt.Sprintf("needs %d attachment(s)", min), nil

	case domain.RequirementChecklist:
		items := req.ChecklistItems()
		checked := checkedItems(supplied, req.Field)
		for _, item := range items {
			if !checked[strings.ToLower(item)] {
				return false, fmt.Sprintf("checklist item %q unchecked", item), nil
			}
		}
		return true, "", nil

	default:
		return false, "", fmt.Errorf("unsupported requirement kind %q", req.Kind)
	}
}

func suppliedPresent(supplied domain.Metadata, field string) bool {
	if supplied == nil {
		return false
	}
	value, ok := supplied[field]
	if !ok {
		return false
	}
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(typed) != ""
	case []any:
		return len(typed) > 0
	default:
		return true
	}
}

// checkedItems accepts either a list of checked item names or a map of item
// name to bool.
func checkedItems(supplied domain.Metadata, field string) map[string]bool {
	out := map[string]bool{}
	if supplied == nil {
		return out
	}
	switch typed := supplied[field].(type) {
	case []any:
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out[strings.ToLower(strings.TrimSpace(s))] = true
			}
		}
	case []string:
		for _, s := range typed {
			out[strings.ToLower(strings.TrimSpace(s))] = true
		}
	case map[string]any:
		for key, value := range typed {
			if checked, ok := value.(bool); ok && checked {
				out[strings.ToLower(strings.TrimSpace(key))] = true
			}
		}
	}
	return out
}

func configInt(config domain.Metadata, key string, def int) int {
	if config == nil {
		return def
	}
	switch typed := config[key].(type) {
	case int:
		if typed > 0 {
			return typed
		}
	case float64:
		if typed > 0 {
			return int(typed)
		}
	}
	return def
}
