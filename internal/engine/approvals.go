package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaycrm/relay-go/internal/condition"
	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/repo"
)

// RecordApprovalDecision records one approver's answer and resolves the
// request when the quorum rule reaches a verdict. An approved request resumes
// the execution; a rejected one cancels it, leaving the record in place.
func (e *Engine) RecordApprovalDecision(ctx context.Context, executionID, approverID string, approved bool, comment, requestID string) (domain.TransitionExecution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if execution.Status != domain.ExecutionAwaitingApproval {
		if execution.Status.Terminal() {
			return domain.TransitionExecution{}, domain.ErrExecutionTerminal
		}
		return domain.TransitionExecution{}, ErrNotAwaitingApproval
	}

	blueprint, transition, err := e.pinnedBlueprint(ctx, execution)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if transition.Approval == nil {
		return domain.TransitionExecution{}, ErrNotAwaitingApproval
	}
	request, err := e.approvals.GetPendingByExecution(ctx, execution.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TransitionExecution{}, ErrNotAwaitingApproval
		}
		return domain.TransitionExecution{}, err
	}

	record, err := e.records.GetRecord(ctx, blueprint.Module, execution.RecordID)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("load record: %w", err)
	}
	approvers, err := e.resolveApprovers(ctx, *transition.Approval, record, execution.ExecutedBy)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if !containsFold(approvers, approverID) {
		return domain.TransitionExecution{}, ErrNotApprover
	}

	now := e.now().UTC()
	if err := e.approvals.RecordDecision(ctx, domain.ApprovalDecision{
		RequestID:  request.ID,
		ApproverID: approverID,
		Approved:   approved,
		Comment:    comment,
		DecidedAt:  now,
	}); err != nil {
		return domain.TransitionExecution{}, err
	}
	e.recordAudit(ctx, approverID, auditlog.ActionApprovalDecision, execution.ID, requestID, map[string]any{
		"request_id": request.ID,
		"approved":   approved,
	})

	decisions, err := e.approvals.ListDecisions(ctx, request.ID)
	if err != nil {
		return domain.TransitionExecution{}, err
	}

	switch transition.Approval.Outcome(approvers, decisions) {
	case domain.ApprovalOutcomeApproved:
		if err := e.approvals.CloseRequest(ctx, request.ID, domain.ApprovalRequestApproved, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.TransitionExecution{}, err
		}
		// The record may have changed while the request was pending. A
		// requirement that regressed sends the execution back to the
		// requirements gate instead of firing the transition on stale data.
		unmet, err := e.unmetRequirements(ctx, blueprint, transition, execution.RecordID, record, execution.RequirementsData)
		if err != nil {
			return domain.TransitionExecution{}, err
		}
		if len(unmet) > 0 {
			if err := e.moveStatus(ctx, &execution, domain.ExecutionAwaitingRequirements, "", nil); err != nil {
				return domain.TransitionExecution{}, err
			}
			return execution, nil
		}
		return e.proceed(ctx, blueprint, transition, execution, record, approverID, requestID)

	case domain.ApprovalOutcomeRejected:
		if err := e.approvals.CloseRequest(ctx, request.ID, domain.ApprovalRequestRejected, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.TransitionExecution{}, err
		}
		if err := e.moveStatus(ctx, &execution, domain.ExecutionCancelled, "rejected", &now); err != nil {
			return domain.TransitionExecution{}, err
		}
		return execution, nil

	default:
		return execution, nil
	}
}

// ExpireApprovals fails executions whose approval requests outlived their
// auto-reject window. Meant to run from the monitor loop.
func (e *Engine) ExpireApprovals(ctx context.Context, limit int) (int, error) {
	requests, err := e.approvals.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	now := e.now().UTC()
	for _, request := range requests {
		execution, err := e.executions.Get(ctx, request.ExecutionID)
		if err != nil {
			e.logger.Warn("expire approvals: load execution", "request_id", request.ID, "error", err)
			continue
		}
		_, transition, err := e.pinnedBlueprint(ctx, execution)
		if err != nil {
			e.logger.Warn("expire approvals: load blueprint revision", "request_id", request.ID, "error", err)
			continue
		}
		if transition.Approval == nil || transition.Approval.AutoRejectDays <= 0 {
			continue
		}
		deadline := request.CreatedAt.Add(time.Duration(transition.Approval.AutoRejectDays) * 24 * time.Hour)
		if now.Before(deadline) {
			continue
		}

		if err := e.approvals.CloseRequest(ctx, request.ID, domain.ApprovalRequestExpired, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return expired, err
		}
		if execution.Status == domain.ExecutionAwaitingApproval {
			if err := e.executions.UpdateStatus(ctx, execution.ID, domain.ExecutionAwaitingApproval, domain.ExecutionFailed, "approval request expired", &now); err != nil && !errors.Is(err, repo.ErrStaleStatus) {
				return expired, err
			}
		}
		expired++
		e.recordAudit(ctx, "system", auditlog.ActionApprovalExpired, execution.ID, "", map[string]any{
			"request_id": request.ID,
		})
	}
	return expired, nil
}

func (e *Engine) openApprovalRequest(ctx context.Context, blueprint domain.Blueprint, execution domain.TransitionExecution, actor string) error {
	_, err := e.approvals.GetPendingByExecution(ctx, execution.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	_, err = e.approvals.CreateRequest(ctx, domain.ApprovalRequest{
		ExecutionID: execution.ID,
		BlueprintID: blueprint.ID,
		RecordID:    execution.RecordID,
		RequestedBy: actor,
		Status:      domain.ApprovalRequestPending,
		CreatedAt:   e.now().UTC(),
	})
	return err
}

// resolveApprovers materializes the approver set for an approval config.
// users and field kinds resolve from config and record data; role and manager
// kinds go through the directory.
func (e *Engine) resolveApprovers(ctx context.Context, cfg domain.ApprovalConfig, record domain.FieldMap, requester string) ([]string, error) {
	switch cfg.Kind {
	case domain.ApprovalUsers:
		return cfg.UserIDs, nil

	case domain.ApprovalField:
		value, ok := condition.Resolve(record, cfg.Field)
		if !ok {
			return nil, fmt.Errorf("approver field %q is empty", cfg.Field)
		}
		return approverIDs(value), nil

	case domain.ApprovalRole:
		if e.directory == nil {
			return nil, errors.New("role approvals need a directory resolver")
		}
		return e.directory.UsersWithRole(ctx, cfg.Role)

	case domain.ApprovalManager:
		if e.directory == nil {
			return nil, errors.New("manager approvals need a directory resolver")
		}
		owner := requester
		if value, ok := condition.Resolve(record, "owner_id"); ok {
			if s, sok := value.(string); sok && strings.TrimSpace(s) != "" {
				owner = s
			}
		}
		manager, err := e.directory.ManagerOf(ctx, owner)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(manager) == "" {
			return nil, fmt.Errorf("no manager found for %q", owner)
		}
		return []string{manager}, nil

	default:
		return nil, fmt.Errorf("unsupported approval kind %q", cfg.Kind)
	}
}

func approverIDs(value any) []string {
	switch typed := value.(type) {
	case string:
		if s := strings.TrimSpace(typed); s != "" {
			return []string{s}
		}
	case []string:
		out := make([]string, 0, len(typed))
		for _, s := range typed {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func containsFold(list []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), target) {
			return true
		}
	}
	return false
}
