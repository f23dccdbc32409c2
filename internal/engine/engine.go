// Package engine executes blueprint transitions. It owns the execution
// lifecycle (pending through the awaiting states to a terminal status), keeps
// the record state pointer and SLA timers consistent, and leaves an audit
// trail for every attempt.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/relaycrm/relay-go/internal/condition"
	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/repo"
)

type Deps struct {
	Blueprints   repo.BlueprintRepository
	RecordStates repo.RecordStateRepository
	Executions   repo.ExecutionRepository
	Approvals    repo.ApprovalRepository
	SlaInstances repo.SlaInstanceRepository

	Records     RecordStore
	Actions     ActionExecutor
	Directory   DirectoryResolver
	Attachments AttachmentCounter
	Calendar    Calendar
	Audit       Auditor

	Logger *slog.Logger
	Now    func() time.Time
}

type Engine struct {
	blueprints   repo.BlueprintRepository
	recordStates repo.RecordStateRepository
	executions   repo.ExecutionRepository
	approvals    repo.ApprovalRepository
	slaInstances repo.SlaInstanceRepository

	records     RecordStore
	actions     ActionExecutor
	directory   DirectoryResolver
	attachments AttachmentCounter
	calendar    Calendar
	audit       Auditor

	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps) (*Engine, error) {
	if deps.Blueprints == nil {
		return nil, errors.New("blueprint repository is required")
	}
	if deps.RecordStates == nil {
		return nil, errors.New("record state repository is required")
	}
	if deps.Executions == nil {
		return nil, errors.New("execution repository is required")
	}
	if deps.Approvals == nil {
		return nil, errors.New("approval repository is required")
	}
	if deps.SlaInstances == nil {
		return nil, errors.New("sla instance repository is required")
	}
	if deps.Records == nil {
		return nil, errors.New("record store is required")
	}
	if deps.Actions == nil {
		return nil, errors.New("action executor is required")
	}
	if deps.Calendar == nil {
		return nil, errors.New("calendar is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		blueprints:   deps.Blueprints,
		recordStates: deps.RecordStates,
		executions:   deps.Executions,
		approvals:    deps.Approvals,
		slaInstances: deps.SlaInstances,
		records:      deps.Records,
		actions:      deps.Actions,
		directory:    deps.Directory,
		attachments:  deps.Attachments,
		calendar:     deps.Calendar,
		audit:        deps.Audit,
		logger:       logger,
		now:          now,
	}, nil
}

// AttemptInput identifies one transition attempt.
type AttemptInput struct {
	BlueprintID  string
	RecordID     string
	TransitionID string
	Actor        string
	RequestID    string
	// Data seeds the execution's requirements data, so a caller can satisfy
	// requirements in the same call that fires the transition.
	Data domain.Metadata
}

// AvailableTransition is one offer from ListAvailableTransitions. Unavailable
// offers carry the failing conditions so a UI can explain the greyed button.
type AvailableTransition struct {
	Transition       domain.Transition
	Available        bool
	FailedConditions []string
}

// ListAvailableTransitions returns the transitions offered from the record's
// current state, with per-transition condition verdicts. Listing is
// side-effect-free apart from first-entry state creation.
func (e *Engine) ListAvailableTransitions(ctx context.Context, blueprintID, recordID, actor string) ([]AvailableTransition, error) {
	blueprint, state, err := e.loadBlueprintAndState(ctx, blueprintID, recordID, actor)
	if err != nil {
		return nil, err
	}
	record, err := e.records.GetRecord(ctx, blueprint.Module, recordID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}

	transitions := blueprint.TransitionsFrom(state.CurrentStateID)
	out := make([]AvailableTransition, 0, len(transitions))
	for _, transition := range transitions {
		failed := condition.Failed(transition.Conditions, record)
		out = append(out, AvailableTransition{
			Transition:       transition,
			Available:        len(failed) == 0,
			FailedConditions: failed,
		})
	}
	return out, nil
}

// AttemptTransition runs the full gate pipeline. The returned execution's
// status says where the attempt landed: completed or failed when it ran to a
// verdict, awaiting_requirements or awaiting_approval when it suspended.
func (e *Engine) AttemptTransition(ctx context.Context, input AttemptInput) (domain.TransitionExecution, error) {
	blueprint, state, err := e.loadBlueprintAndState(ctx, input.BlueprintID, input.RecordID, input.Actor)
	if err != nil {
		return domain.TransitionExecution{}, err
	}

	transition, ok := blueprint.TransitionByID(input.TransitionID)
	if !ok {
		return domain.TransitionExecution{}, fmt.Errorf("transition %q: %w", input.TransitionID, repo.ErrNotFound)
	}
	if !transition.Active {
		return domain.TransitionExecution{}, ErrTransitionNotAvailable
	}
	if transition.FromStateID != "" && transition.FromStateID != state.CurrentStateID {
		return domain.TransitionExecution{}, ErrTransitionNotAvailable
	}

	record, err := e.records.GetRecord(ctx, blueprint.Module, input.RecordID)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("load record: %w", err)
	}
	if failed := condition.Failed(transition.Conditions, record); len(failed) > 0 {
		return domain.TransitionExecution{}, &ConditionsError{Failed: failed}
	}

	now := e.now().UTC()
	execution, err := e.executions.InsertOpen(ctx, domain.TransitionExecution{
		BlueprintID:      blueprint.ID,
		BlueprintVersion: blueprint.Version,
		TransitionID:     transition.ID,
		RecordID:         input.RecordID,
		FromStateID:      state.CurrentStateID,
		ToStateID:        transition.ToStateID,
		ExecutedBy:       input.Actor,
		Status:           domain.ExecutionPending,
		RequirementsData: input.Data,
		StartedAt:        now,
	})
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	e.recordAudit(ctx, input.Actor, auditlog.ActionTransitionAttempted, execution.ID, input.RequestID, map[string]any{
		"blueprint_id":  blueprint.ID,
		"record_id":     input.RecordID,
		"transition_id": transition.ID,
	})

	unmet, err := e.unmetRequirements(ctx, blueprint, transition, input.RecordID, record, execution.RequirementsData)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if len(unmet) > 0 {
		if err := e.moveStatus(ctx, &execution, domain.ExecutionAwaitingRequirements, "", nil); err != nil {
			return domain.TransitionExecution{}, err
		}
		return execution, nil
	}

	if transition.Approval != nil {
		if err := e.openApprovalRequest(ctx, blueprint, execution, input.Actor); err != nil {
			return domain.TransitionExecution{}, err
		}
		if err := e.moveStatus(ctx, &execution, domain.ExecutionAwaitingApproval, "", nil); err != nil {
			return domain.TransitionExecution{}, err
		}
		return execution, nil
	}

	return e.proceed(ctx, blueprint, transition, execution, record, input.Actor, input.RequestID)
}

// CancelExecution cancels an open execution. The record stays where it was.
func (e *Engine) CancelExecution(ctx context.Context, executionID, actor, requestID string) (domain.TransitionExecution, error) {
	execution, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return domain.TransitionExecution{}, err
	}
	if execution.Status.Terminal() {
		return domain.TransitionExecution{}, domain.ErrExecutionTerminal
	}

	now := e.now().UTC()
	if err := e.executions.UpdateStatus(ctx, execution.ID, execution.Status, domain.ExecutionCancelled, "", &now); err != nil {
		return domain.TransitionExecution{}, err
	}
	if request, err := e.approvals.GetPendingByExecution(ctx, execution.ID); err == nil {
		if err := e.approvals.CloseRequest(ctx, request.ID, domain.ApprovalRequestCancelled, now); err != nil && !errors.Is(err, repo.ErrNotFound) {
			e.logger.Warn("close approval request on cancel", "execution_id", execution.ID, "error", err)
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.TransitionExecution{}, err
	}

	execution.Status = domain.ExecutionCancelled
	execution.CompletedAt = &now
	e.recordAudit(ctx, actor, auditlog.ActionTransitionCancelled, execution.ID, requestID, map[string]any{
		"blueprint_id": execution.BlueprintID,
		"record_id":    execution.RecordID,
	})
	return execution, nil
}

// EnterInitialState places a record at the blueprint's initial state if it is
// not yet tracked. Idempotent: a tracked record is returned unchanged.
func (e *Engine) EnterInitialState(ctx context.Context, blueprintID, recordID, actor string) (domain.RecordState, error) {
	_, state, err := e.loadBlueprintAndState(ctx, blueprintID, recordID, actor)
	if err != nil {
		return domain.RecordState{}, err
	}
	return state, nil
}

// History lists the execution log for a record, newest first.
func (e *Engine) History(ctx context.Context, blueprintID, recordID string, limit int) ([]domain.TransitionExecution, error) {
	return e.executions.List(ctx, repo.ExecutionFilter{
		BlueprintID: blueprintID,
		RecordID:    recordID,
		Limit:       limit,
	})
}

// GetExecution returns one execution by id.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (domain.TransitionExecution, error) {
	return e.executions.Get(ctx, executionID)
}

// loadBlueprintAndState fetches an active blueprint and the record's tracked
// state, creating the state at the initial node on first contact.
func (e *Engine) loadBlueprintAndState(ctx context.Context, blueprintID, recordID, actor string) (domain.Blueprint, domain.RecordState, error) {
	blueprint, err := e.blueprints.Get(ctx, blueprintID)
	if err != nil {
		return domain.Blueprint{}, domain.RecordState{}, err
	}
	if !blueprint.Active {
		return domain.Blueprint{}, domain.RecordState{}, ErrBlueprintInactive
	}

	state, err := e.recordStates.Get(ctx, blueprint.ID, recordID)
	if err == nil {
		return blueprint, state, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Blueprint{}, domain.RecordState{}, err
	}

	initial, ok := blueprint.InitialState()
	if !ok {
		return domain.Blueprint{}, domain.RecordState{}, fmt.Errorf("blueprint %q: %w", blueprint.Name, domain.ErrMissingInitialState)
	}
	// A record whose governed field already holds a state value joins the
	// pipeline at that state, not at the start.
	start := initial
	if record, recordErr := e.records.GetRecord(ctx, blueprint.Module, recordID); recordErr == nil {
		if value, present := condition.Resolve(record, blueprint.Field); present {
			if s, isString := value.(string); isString {
				if mapped, found := blueprint.StateByFieldValue(s); found {
					start = mapped
				}
			}
		}
	}
	now := e.now().UTC()
	slaID := e.armSla(ctx, blueprint, start.ID, recordID, now)
	state, created, err := e.recordStates.CreateIfAbsent(ctx, domain.RecordState{
		BlueprintID:    blueprint.ID,
		RecordID:       recordID,
		CurrentStateID: start.ID,
		StateEnteredAt: now,
		SlaInstanceID:  slaID,
	})
	if err != nil {
		return domain.Blueprint{}, domain.RecordState{}, err
	}
	if created {
		e.logger.Info("record entered pipeline",
			"blueprint_id", blueprint.ID,
			"record_id", recordID,
			"state_id", start.ID,
			"actor", actor,
		)
	}
	return blueprint, state, nil
}

// proceed runs the action phase and finalizes the execution. from must be the
// status the execution currently holds.
func (e *Engine) proceed(ctx context.Context, blueprint domain.Blueprint, transition domain.Transition, execution domain.TransitionExecution, record domain.FieldMap, actor, requestID string) (domain.TransitionExecution, error) {
	if err := e.moveStatus(ctx, &execution, domain.ExecutionInProgress, "", nil); err != nil {
		return domain.TransitionExecution{}, err
	}

	input := ActionInput{
		Blueprint:  blueprint,
		Transition: transition,
		Execution:  execution,
		Record:     record,
		Actor:      actor,
	}
	failureMessage := ""
	for _, action := range orderedActions(transition.Actions) {
		var result domain.ActionResult
		if !action.Active {
			result = domain.ActionResult{
				ActionID:   action.ID,
				Kind:       action.Kind,
				Status:     domain.ActionResultSkipped,
				ExecutedAt: e.now().UTC(),
			}
		} else {
			result = e.actions.Execute(ctx, action, input)
		}
		if err := e.executions.AppendActionResult(ctx, execution.ID, result); err != nil {
			return domain.TransitionExecution{}, fmt.Errorf("record action result: %w", err)
		}
		execution.ActionResults = append(execution.ActionResults, result)
		if result.Status == domain.ActionResultFailed && !action.Optional && failureMessage == "" {
			failureMessage = fmt.Sprintf("action %s failed: %s", action.Kind, result.Error)
		}
	}

	now := e.now().UTC()
	if failureMessage != "" {
		if err := e.moveStatus(ctx, &execution, domain.ExecutionFailed, failureMessage, &now); err != nil {
			return domain.TransitionExecution{}, err
		}
		e.recordAudit(ctx, actor, auditlog.ActionTransitionFailed, execution.ID, requestID, map[string]any{
			"blueprint_id": blueprint.ID,
			"record_id":    execution.RecordID,
			"error":        failureMessage,
		})
		return execution, nil
	}

	e.closeActiveSla(ctx, blueprint, execution.RecordID, now)
	slaID := e.armSla(ctx, blueprint, execution.ToStateID, execution.RecordID, now)
	if err := e.recordStates.Advance(ctx, blueprint.ID, execution.RecordID, execution.ToStateID, now, slaID); err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("advance record state: %w", err)
	}

	toState, ok := blueprint.StateByID(execution.ToStateID)
	if !ok {
		return domain.TransitionExecution{}, fmt.Errorf("target state %q: %w", execution.ToStateID, domain.ErrInvalidState)
	}
	if err := e.records.UpdateField(ctx, blueprint.Module, execution.RecordID, blueprint.Field, toState.FieldOptionValue); err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("write governed field: %w", err)
	}

	if err := e.moveStatus(ctx, &execution, domain.ExecutionCompleted, "", &now); err != nil {
		return domain.TransitionExecution{}, err
	}
	e.recordAudit(ctx, actor, auditlog.ActionTransitionCompleted, execution.ID, requestID, map[string]any{
		"blueprint_id":  blueprint.ID,
		"record_id":     execution.RecordID,
		"from_state_id": execution.FromStateID,
		"to_state_id":   execution.ToStateID,
	})
	e.logger.Info("transition completed",
		"blueprint_id", blueprint.ID,
		"record_id", execution.RecordID,
		"transition_id", transition.ID,
		"to_state_id", execution.ToStateID,
	)
	return execution, nil
}

func (e *Engine) moveStatus(ctx context.Context, execution *domain.TransitionExecution, next domain.ExecutionStatus, errorMessage string, completedAt *time.Time) error {
	if err := e.executions.UpdateStatus(ctx, execution.ID, execution.Status, next, errorMessage, completedAt); err != nil {
		return err
	}
	execution.Status = next
	execution.ErrorMessage = errorMessage
	execution.CompletedAt = completedAt
	return nil
}

// pinnedBlueprint loads the revision an execution was opened against.
func (e *Engine) pinnedBlueprint(ctx context.Context, execution domain.TransitionExecution) (domain.Blueprint, domain.Transition, error) {
	blueprint, err := e.blueprints.GetRevision(ctx, execution.BlueprintID, execution.BlueprintVersion)
	if err != nil {
		return domain.Blueprint{}, domain.Transition{}, err
	}
	transition, ok := blueprint.TransitionByID(execution.TransitionID)
	if !ok {
		return domain.Blueprint{}, domain.Transition{}, fmt.Errorf("transition %q in revision %d: %w", execution.TransitionID, execution.BlueprintVersion, repo.ErrNotFound)
	}
	return blueprint, transition, nil
}

func (e *Engine) recordAudit(ctx context.Context, actor, action, executionID, requestID string, payload any) {
	if e.audit == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	if err := e.audit.Record(ctx, actor, action, "transition_execution", executionID, requestID, payload); err != nil {
		e.logger.Warn("audit write failed", "action", action, "execution_id", executionID, "error", err)
	}
}

func orderedActions(actions []domain.Action) []domain.Action {
	out := make([]domain.Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}
