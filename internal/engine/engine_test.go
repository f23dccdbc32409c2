package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

func TestAttemptTransitionCompletes(t *testing.T) {
	f := newFixture(t, dealBlueprint())
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open", "amount": 5000.0})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("AttemptTransition: %v", err)
	}
	if execution.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", execution.Status)
	}
	if execution.BlueprintVersion != 3 {
		t.Fatalf("blueprint version = %d, want 3", execution.BlueprintVersion)
	}

	state, err := f.recordStates.Get(context.Background(), "bp-1", "rec-1")
	if err != nil {
		t.Fatalf("record state: %v", err)
	}
	if state.CurrentStateID != testStateReview {
		t.Fatalf("current state = %s, want %s", state.CurrentStateID, testStateReview)
	}
	record, _ := f.records.GetRecord(context.Background(), "deals", "rec-1")
	if record["status"] != "in_review" {
		t.Fatalf("governed field = %v, want in_review", record["status"])
	}

	wantLog := []string{"in_progress", "completed"}
	if len(f.executions.statusLog) != len(wantLog) {
		t.Fatalf("status log = %v, want %v", f.executions.statusLog, wantLog)
	}
	for i, status := range wantLog {
		if f.executions.statusLog[i] != status {
			t.Fatalf("status log = %v, want %v", f.executions.statusLog, wantLog)
		}
	}
}

func TestAttemptTransitionRejectsFailedConditions(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Conditions = []domain.Condition{
		{Field: "amount", Kind: domain.ConditionGreater, Value: "10000"},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open", "amount": 5000.0})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	_, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if !errors.Is(err, ErrConditionsNotMet) {
		t.Fatalf("err = %v, want ErrConditionsNotMet", err)
	}
	var condErr *ConditionsError
	if !errors.As(err, &condErr) || len(condErr.Failed) != 1 {
		t.Fatalf("expected one failed condition, got %v", err)
	}
	if len(f.executions.byID) != 0 {
		t.Fatalf("expected no execution row, got %d", len(f.executions.byID))
	}
}

func TestAttemptTransitionWrongFromState(t *testing.T) {
	f := newFixture(t, dealBlueprint())
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	_, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionWin,
		Actor:        "user-1",
	})
	if !errors.Is(err, ErrTransitionNotAvailable) {
		t.Fatalf("err = %v, want ErrTransitionNotAvailable", err)
	}
}

func TestAttemptTransitionInactiveBlueprint(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Active = false
	f := newFixture(t, blueprint)

	_, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
	})
	if !errors.Is(err, ErrBlueprintInactive) {
		t.Fatalf("err = %v, want ErrBlueprintInactive", err)
	}
}

func TestAttemptTransitionSecondOpenExecutionRejected(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementNote, Field: "close_note", Required: true},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	input := AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	}
	first, err := f.engine.AttemptTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if first.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("first status = %s, want awaiting_requirements", first.Status)
	}

	_, err = f.engine.AttemptTransition(context.Background(), input)
	if !errors.Is(err, repo.ErrExecutionInProgress) {
		t.Fatalf("second attempt err = %v, want ErrExecutionInProgress", err)
	}
}

func TestAttemptTransitionBusyRecordRejectedAcrossBlueprints(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementNote, Field: "review_note", Required: true},
	}
	priority := dealBlueprint()
	priority.ID = "bp-2"
	priority.Field = "priority"
	priority.Name = "Deal priority"
	f := newFixture(t, blueprint)
	f.blueprints.put(priority)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)
	f.placeRecord("bp-2", "rec-1", testStateOpen)

	suspended, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if suspended.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("first status = %s, want awaiting_requirements", suspended.Status)
	}

	_, err = f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-2",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if !errors.Is(err, repo.ErrExecutionInProgress) {
		t.Fatalf("cross-blueprint attempt err = %v, want ErrExecutionInProgress", err)
	}
}

func TestSupplyRequirementResumesToCompletion(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementNote, Field: "review_note", Required: true},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("status = %s, want awaiting_requirements", execution.Status)
	}

	// Supplying unrelated data keeps the execution suspended.
	still, err := f.engine.SupplyRequirement(context.Background(), execution.ID, domain.Metadata{"other": "x"}, "user-1", "")
	if err != nil {
		t.Fatalf("supply unrelated: %v", err)
	}
	if still.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("status = %s, want awaiting_requirements", still.Status)
	}

	resumed, err := f.engine.SupplyRequirement(context.Background(), execution.ID, domain.Metadata{"review_note": "checked with finance"}, "user-1", "")
	if err != nil {
		t.Fatalf("supply note: %v", err)
	}
	if resumed.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", resumed.Status)
	}
	if resumed.RequirementsData["other"] != "x" {
		t.Fatalf("requirements data lost earlier key: %v", resumed.RequirementsData)
	}
	record, _ := f.records.GetRecord(context.Background(), "deals", "rec-1")
	if record["status"] != "in_review" {
		t.Fatalf("governed field = %v, want in_review", record["status"])
	}
}

func TestSupplyRequirementResumesAgainstPinnedRevision(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementNote, Field: "review_note", Required: true},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("status = %s, want awaiting_requirements", execution.Status)
	}

	// Edit the live blueprint while the execution is suspended: the review
	// transition now jumps straight to won.
	edited := dealBlueprint()
	edited.Transitions[0].ToStateID = testStateWon
	if _, err := f.blueprints.Update(context.Background(), edited); err != nil {
		t.Fatalf("live edit: %v", err)
	}

	resumed, err := f.engine.SupplyRequirement(context.Background(), execution.ID, domain.Metadata{"review_note": "ok"}, "user-1", "")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if resumed.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", resumed.Status)
	}
	record, _ := f.records.GetRecord(context.Background(), "deals", "rec-1")
	if record["status"] != "in_review" {
		t.Fatalf("governed field = %v, want in_review (pinned revision, not the live edit)", record["status"])
	}
}

func TestSupplyRequirementWrongStatus(t *testing.T) {
	f := newFixture(t, dealBlueprint())
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	_, err = f.engine.SupplyRequirement(context.Background(), execution.ID, domain.Metadata{"x": "y"}, "user-1", "")
	if !errors.Is(err, domain.ErrExecutionTerminal) {
		t.Fatalf("err = %v, want ErrExecutionTerminal", err)
	}
}

func TestAttachmentRequirementCountsStoredObjects(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementAttachment, Field: "contract", Required: true,
			Config: domain.Metadata{"min_count": 2.0}},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	input := AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	}
	execution, err := f.engine.AttemptTransition(context.Background(), input)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionAwaitingRequirements {
		t.Fatalf("status = %s, want awaiting_requirements", execution.Status)
	}

	f.attachments.counts[recordKey("deals", "rec-1")] = 2
	resumed, err := f.engine.SupplyRequirement(context.Background(), execution.ID, nil, "user-1", "")
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if resumed.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", resumed.Status)
	}
}

func TestNonOptionalActionFailureFailsExecution(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Actions = []domain.Action{
		{ID: "a-1", Kind: domain.ActionWebhook, Active: true, DisplayOrder: 1},
		{ID: "a-2", Kind: domain.ActionCreateTask, Active: true, DisplayOrder: 2},
	}
	f := newFixture(t, blueprint)
	f.actions.failures["a-1"] = "endpoint unreachable"
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionFailed {
		t.Fatalf("status = %s, want failed", execution.Status)
	}
	if !strings.Contains(execution.ErrorMessage, "endpoint unreachable") {
		t.Fatalf("error message = %q", execution.ErrorMessage)
	}
	// The remaining action still ran and its outcome is on the log.
	if len(f.actions.executed) != 2 {
		t.Fatalf("executed actions = %v, want both", f.actions.executed)
	}
	if len(execution.ActionResults) != 2 {
		t.Fatalf("action results = %d, want 2", len(execution.ActionResults))
	}

	// Record and state stay where they were.
	record, _ := f.records.GetRecord(context.Background(), "deals", "rec-1")
	if record["status"] != "open" {
		t.Fatalf("governed field = %v, want open", record["status"])
	}
	state, _ := f.recordStates.Get(context.Background(), "bp-1", "rec-1")
	if state.CurrentStateID != testStateOpen {
		t.Fatalf("state advanced despite failure: %s", state.CurrentStateID)
	}
}

func TestOptionalActionFailureDoesNotFailExecution(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Actions = []domain.Action{
		{ID: "a-1", Kind: domain.ActionSendNotification, Active: true, Optional: true},
	}
	f := newFixture(t, blueprint)
	f.actions.failures["a-1"] = "mailbox full"
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", execution.Status)
	}
}

func TestInactiveActionIsSkipped(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Actions = []domain.Action{
		{ID: "a-1", Kind: domain.ActionWebhook, Active: false},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if len(f.actions.executed) != 0 {
		t.Fatalf("inactive action was executed")
	}
	if len(execution.ActionResults) != 1 || execution.ActionResults[0].Status != domain.ActionResultSkipped {
		t.Fatalf("action results = %+v, want one skipped", execution.ActionResults)
	}
}

func TestCancelExecution(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Requirements = []domain.Requirement{
		{ID: "rq-1", Kind: domain.RequirementNote, Field: "note", Required: true},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	cancelled, err := f.engine.CancelExecution(context.Background(), execution.ID, "user-1", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.ExecutionCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	_, err = f.engine.CancelExecution(context.Background(), execution.ID, "user-1", "")
	if !errors.Is(err, domain.ErrExecutionTerminal) {
		t.Fatalf("second cancel err = %v, want ErrExecutionTerminal", err)
	}

	// A fresh attempt is possible once the open slot frees up.
	again, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
		Data:         domain.Metadata{"note": "second try"},
	})
	if err != nil {
		t.Fatalf("retry attempt: %v", err)
	}
	if again.Status != domain.ExecutionCompleted {
		t.Fatalf("retry status = %s, want completed", again.Status)
	}
}

func TestEnterInitialStateIsIdempotent(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Slas = []domain.Sla{
		{ID: "sla-open", StateID: testStateOpen, Name: "First touch", DurationHours: 24, Active: true},
	}
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": ""})

	state, err := f.engine.EnterInitialState(context.Background(), "bp-1", "rec-1", "user-1")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if state.CurrentStateID != testStateOpen {
		t.Fatalf("state = %s, want %s", state.CurrentStateID, testStateOpen)
	}
	if state.SlaInstanceID == "" {
		t.Fatalf("expected an armed sla instance")
	}

	again, err := f.engine.EnterInitialState(context.Background(), "bp-1", "rec-1", "user-1")
	if err != nil {
		t.Fatalf("re-enter: %v", err)
	}
	if again.SlaInstanceID != state.SlaInstanceID {
		t.Fatalf("second entry re-armed the sla: %s vs %s", again.SlaInstanceID, state.SlaInstanceID)
	}
	if len(f.slaInstances.byID) != 1 {
		t.Fatalf("sla instances = %d, want 1", len(f.slaInstances.byID))
	}
}

func TestEnterInitialStateMapsExistingFieldValue(t *testing.T) {
	f := newFixture(t, dealBlueprint())
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "in_review"})

	state, err := f.engine.EnterInitialState(context.Background(), "bp-1", "rec-1", "user-1")
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if state.CurrentStateID != testStateReview {
		t.Fatalf("state = %s, want %s (mapped from field value)", state.CurrentStateID, testStateReview)
	}
}

func TestListAvailableTransitions(t *testing.T) {
	blueprint := dealBlueprint()
	blueprint.Transitions[0].Conditions = []domain.Condition{
		{Field: "amount", Kind: domain.ConditionGreaterEq, Value: "1000"},
	}
	// Any-state escape hatch offered everywhere.
	blueprint.Transitions = append(blueprint.Transitions, domain.Transition{
		ID: "t-reopen", FromStateID: "", ToStateID: testStateOpen, Name: "Reopen", Active: true, DisplayOrder: 9,
	})
	f := newFixture(t, blueprint)
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open", "amount": 250.0})
	f.placeRecord("bp-1", "rec-1", testStateOpen)

	offers, err := f.engine.ListAvailableTransitions(context.Background(), "bp-1", "rec-1", "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("offers = %d, want 2", len(offers))
	}
	if offers[0].Transition.ID != testTransitionReview || offers[0].Available {
		t.Fatalf("review offer should be unavailable: %+v", offers[0])
	}
	if len(offers[0].FailedConditions) != 1 {
		t.Fatalf("expected a failed condition, got %v", offers[0].FailedConditions)
	}
	if offers[1].Transition.ID != "t-reopen" || !offers[1].Available {
		t.Fatalf("reopen offer should be available: %+v", offers[1])
	}
}
