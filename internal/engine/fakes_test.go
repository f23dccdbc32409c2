package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

type fakeBlueprints struct {
	byID      map[string]domain.Blueprint
	revisions map[string]map[int]domain.Blueprint
}

func newFakeBlueprints(blueprints ...domain.Blueprint) *fakeBlueprints {
	f := &fakeBlueprints{
		byID:      map[string]domain.Blueprint{},
		revisions: map[string]map[int]domain.Blueprint{},
	}
	for _, bp := range blueprints {
		f.put(bp)
	}
	return f
}

func (f *fakeBlueprints) put(bp domain.Blueprint) {
	f.byID[bp.ID] = bp
	if f.revisions[bp.ID] == nil {
		f.revisions[bp.ID] = map[int]domain.Blueprint{}
	}
	f.revisions[bp.ID][bp.Version] = bp
}

func (f *fakeBlueprints) Create(_ context.Context, bp domain.Blueprint) (domain.Blueprint, error) {
	bp.Version = 1
	f.put(bp)
	return bp, nil
}

func (f *fakeBlueprints) Update(_ context.Context, bp domain.Blueprint) (domain.Blueprint, error) {
	current, ok := f.byID[bp.ID]
	if !ok {
		return domain.Blueprint{}, repo.ErrNotFound
	}
	bp.Version = current.Version + 1
	f.put(bp)
	return bp, nil
}

func (f *fakeBlueprints) Get(_ context.Context, id string) (domain.Blueprint, error) {
	bp, ok := f.byID[id]
	if !ok {
		return domain.Blueprint{}, repo.ErrNotFound
	}
	return bp, nil
}

func (f *fakeBlueprints) GetRevision(_ context.Context, id string, version int) (domain.Blueprint, error) {
	bp, ok := f.revisions[id][version]
	if !ok {
		return domain.Blueprint{}, repo.ErrNotFound
	}
	return bp, nil
}

func (f *fakeBlueprints) FindActiveByModuleField(_ context.Context, module, field string) (domain.Blueprint, error) {
	for _, bp := range f.byID {
		if bp.Module == module && bp.Field == field && bp.Active {
			return bp, nil
		}
	}
	return domain.Blueprint{}, repo.ErrNotFound
}

func (f *fakeBlueprints) List(_ context.Context, _ repo.BlueprintFilter) ([]domain.Blueprint, error) {
	out := make([]domain.Blueprint, 0, len(f.byID))
	for _, bp := range f.byID {
		out = append(out, bp)
	}
	return out, nil
}

func (f *fakeBlueprints) Delete(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return repo.ErrNotFound
	}
	delete(f.byID, id)
	delete(f.revisions, id)
	return nil
}

type fakeRecordStates struct {
	byKey map[string]domain.RecordState
}

func newFakeRecordStates() *fakeRecordStates {
	return &fakeRecordStates{byKey: map[string]domain.RecordState{}}
}

func stateKey(blueprintID, recordID string) string {
	return blueprintID + "|" + recordID
}

func (f *fakeRecordStates) Get(_ context.Context, blueprintID, recordID string) (domain.RecordState, error) {
	state, ok := f.byKey[stateKey(blueprintID, recordID)]
	if !ok {
		return domain.RecordState{}, repo.ErrNotFound
	}
	return state, nil
}

func (f *fakeRecordStates) CreateIfAbsent(_ context.Context, state domain.RecordState) (domain.RecordState, bool, error) {
	key := stateKey(state.BlueprintID, state.RecordID)
	if existing, ok := f.byKey[key]; ok {
		return existing, false, nil
	}
	f.byKey[key] = state
	return state, true, nil
}

func (f *fakeRecordStates) Advance(_ context.Context, blueprintID, recordID, stateID string, enteredAt time.Time, slaInstanceID string) error {
	key := stateKey(blueprintID, recordID)
	state, ok := f.byKey[key]
	if !ok {
		return repo.ErrNotFound
	}
	state.CurrentStateID = stateID
	state.StateEnteredAt = enteredAt
	state.SlaInstanceID = slaInstanceID
	f.byKey[key] = state
	return nil
}

type fakeExecutions struct {
	seq  int
	byID map[string]domain.TransitionExecution
	// statusLog records every successful status write, oldest first.
	statusLog []string
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{byID: map[string]domain.TransitionExecution{}}
}

func (f *fakeExecutions) InsertOpen(_ context.Context, execution domain.TransitionExecution) (domain.TransitionExecution, error) {
	// One open execution per record, regardless of blueprint.
	for _, existing := range f.byID {
		if existing.RecordID == execution.RecordID && !existing.Status.Terminal() {
			return domain.TransitionExecution{}, repo.ErrExecutionInProgress
		}
	}
	f.seq++
	execution.ID = fmt.Sprintf("exec-%d", f.seq)
	f.byID[execution.ID] = execution
	return execution, nil
}

func (f *fakeExecutions) Get(_ context.Context, id string) (domain.TransitionExecution, error) {
	execution, ok := f.byID[id]
	if !ok {
		return domain.TransitionExecution{}, repo.ErrNotFound
	}
	return execution, nil
}

func (f *fakeExecutions) UpdateStatus(_ context.Context, id string, from, to domain.ExecutionStatus, errorMessage string, completedAt *time.Time) error {
	execution, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	if !domain.CanTransitionExecutionStatus(from, to) {
		return fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	if execution.Status != from {
		return repo.ErrStaleStatus
	}
	execution.Status = to
	execution.ErrorMessage = errorMessage
	execution.CompletedAt = completedAt
	f.byID[id] = execution
	f.statusLog = append(f.statusLog, string(to))
	return nil
}

func (f *fakeExecutions) SetRequirementsData(_ context.Context, id string, data domain.Metadata) error {
	execution, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	execution.RequirementsData = data
	f.byID[id] = execution
	return nil
}

func (f *fakeExecutions) AppendActionResult(_ context.Context, id string, result domain.ActionResult) error {
	execution, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	execution.ActionResults = append(execution.ActionResults, result)
	f.byID[id] = execution
	return nil
}

func (f *fakeExecutions) List(_ context.Context, filter repo.ExecutionFilter) ([]domain.TransitionExecution, error) {
	var out []domain.TransitionExecution
	for _, execution := range f.byID {
		if filter.BlueprintID != "" && execution.BlueprintID != filter.BlueprintID {
			continue
		}
		if filter.RecordID != "" && execution.RecordID != filter.RecordID {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		out = append(out, execution)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

type fakeApprovals struct {
	seq       int
	requests  map[string]domain.ApprovalRequest
	decisions map[string][]domain.ApprovalDecision
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{
		requests:  map[string]domain.ApprovalRequest{},
		decisions: map[string][]domain.ApprovalDecision{},
	}
}

func (f *fakeApprovals) CreateRequest(_ context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	f.seq++
	request.ID = fmt.Sprintf("req-%d", f.seq)
	if request.Status == "" {
		request.Status = domain.ApprovalRequestPending
	}
	f.requests[request.ID] = request
	return request, nil
}

func (f *fakeApprovals) GetPendingByExecution(_ context.Context, executionID string) (domain.ApprovalRequest, error) {
	for _, request := range f.requests {
		if request.ExecutionID == executionID && request.Status == domain.ApprovalRequestPending {
			return request, nil
		}
	}
	return domain.ApprovalRequest{}, repo.ErrNotFound
}

func (f *fakeApprovals) RecordDecision(_ context.Context, decision domain.ApprovalDecision) error {
	for _, existing := range f.decisions[decision.RequestID] {
		if strings.EqualFold(existing.ApproverID, decision.ApproverID) {
			return nil
		}
	}
	f.decisions[decision.RequestID] = append(f.decisions[decision.RequestID], decision)
	return nil
}

func (f *fakeApprovals) ListDecisions(_ context.Context, requestID string) ([]domain.ApprovalDecision, error) {
	return f.decisions[requestID], nil
}

func (f *fakeApprovals) CloseRequest(_ context.Context, requestID string, status domain.ApprovalRequestStatus, respondedAt time.Time) error {
	request, ok := f.requests[requestID]
	if !ok || request.Status != domain.ApprovalRequestPending {
		return repo.ErrNotFound
	}
	request.Status = status
	request.RespondedAt = &respondedAt
	f.requests[requestID] = request
	return nil
}

func (f *fakeApprovals) ListPending(_ context.Context, _ int) ([]domain.ApprovalRequest, error) {
	var out []domain.ApprovalRequest
	for _, request := range f.requests {
		if request.Status == domain.ApprovalRequestPending {
			out = append(out, request)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeSlaInstances struct {
	seq  int
	byID map[string]domain.SlaInstance
}

func newFakeSlaInstances() *fakeSlaInstances {
	return &fakeSlaInstances{byID: map[string]domain.SlaInstance{}}
}

func (f *fakeSlaInstances) Create(_ context.Context, instance domain.SlaInstance) (domain.SlaInstance, error) {
	f.seq++
	instance.ID = fmt.Sprintf("sla-%d", f.seq)
	if instance.Status == "" {
		instance.Status = domain.SlaInstanceActive
	}
	f.byID[instance.ID] = instance
	return instance, nil
}

func (f *fakeSlaInstances) Get(_ context.Context, id string) (domain.SlaInstance, error) {
	instance, ok := f.byID[id]
	if !ok {
		return domain.SlaInstance{}, repo.ErrNotFound
	}
	return instance, nil
}

func (f *fakeSlaInstances) GetActiveByRecord(_ context.Context, blueprintID, recordID string) (domain.SlaInstance, error) {
	var found *domain.SlaInstance
	for id := range f.byID {
		instance := f.byID[id]
		if instance.BlueprintID != blueprintID || instance.RecordID != recordID || instance.Status != domain.SlaInstanceActive {
			continue
		}
		if found == nil || instance.StateEnteredAt.After(found.StateEnteredAt) {
			found = &instance
		}
	}
	if found == nil {
		return domain.SlaInstance{}, repo.ErrNotFound
	}
	return *found, nil
}

func (f *fakeSlaInstances) Close(_ context.Context, id string, status domain.SlaInstanceStatus, completedAt time.Time) error {
	instance, ok := f.byID[id]
	if !ok || instance.Status != domain.SlaInstanceActive {
		return repo.ErrNotFound
	}
	instance.Status = status
	instance.CompletedAt = &completedAt
	f.byID[id] = instance
	return nil
}

func (f *fakeSlaInstances) ListActive(_ context.Context, _ int) ([]domain.SlaInstance, error) {
	var out []domain.SlaInstance
	for _, instance := range f.byID {
		if instance.Status == domain.SlaInstanceActive {
			out = append(out, instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSlaInstances) MarkWarned(_ context.Context, id string, warnedAt time.Time) (bool, error) {
	instance, ok := f.byID[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if instance.WarnedAt != nil {
		return false, nil
	}
	instance.WarnedAt = &warnedAt
	f.byID[id] = instance
	return true, nil
}

func (f *fakeSlaInstances) MarkEscalated(_ context.Context, id string, escalatedAt time.Time) (bool, error) {
	instance, ok := f.byID[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if instance.EscalatedAt != nil {
		return false, nil
	}
	instance.EscalatedAt = &escalatedAt
	f.byID[id] = instance
	return true, nil
}

func (f *fakeSlaInstances) MarkBreached(_ context.Context, id string) (bool, error) {
	instance, ok := f.byID[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if instance.Status != domain.SlaInstanceActive {
		return false, nil
	}
	instance.Status = domain.SlaInstanceBreached
	f.byID[id] = instance
	return true, nil
}

type fakeRecords struct {
	fields  map[string]domain.FieldMap
	updates []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{fields: map[string]domain.FieldMap{}}
}

func recordKey(module, recordID string) string {
	return module + "|" + recordID
}

func (f *fakeRecords) GetRecord(_ context.Context, module, recordID string) (domain.FieldMap, error) {
	fields, ok := f.fields[recordKey(module, recordID)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return fields, nil
}

func (f *fakeRecords) UpdateField(_ context.Context, module, recordID, field string, value any) error {
	fields, ok := f.fields[recordKey(module, recordID)]
	if !ok {
		return repo.ErrNotFound
	}
	fields[field] = value
	f.updates = append(f.updates, fmt.Sprintf("%s.%s=%v", recordID, field, value))
	return nil
}

// fakeActions succeeds by default; failures are scripted per action id.
type fakeActions struct {
	failures map[string]string
	executed []string
}

func newFakeActions() *fakeActions {
	return &fakeActions{failures: map[string]string{}}
}

func (f *fakeActions) Execute(_ context.Context, action domain.Action, _ ActionInput) domain.ActionResult {
	f.executed = append(f.executed, action.ID)
	result := domain.ActionResult{
		ActionID:   action.ID,
		Kind:       action.Kind,
		Status:     domain.ActionResultSuccess,
		ExecutedAt: time.Now().UTC(),
	}
	if message, ok := f.failures[action.ID]; ok {
		result.Status = domain.ActionResultFailed
		result.Error = message
	}
	return result
}

type fakeDirectory struct {
	roles    map[string][]string
	managers map[string]string
}

func (f *fakeDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeDirectory) ManagerOf(_ context.Context, userID string) (string, error) {
	return f.managers[userID], nil
}

type fakeAttachments struct {
	counts map[string]int
}

func (f *fakeAttachments) CountAttachments(_ context.Context, module, recordID string, max int) (int, error) {
	count := f.counts[recordKey(module, recordID)]
	if count > max {
		return max, nil
	}
	return count, nil
}

// wallCalendar counts every hour; weekend and business-hours flags are
// irrelevant to the engine tests.
type wallCalendar struct{}

func (wallCalendar) DueAt(start time.Time, hours int, _, _ bool) time.Time {
	return start.Add(time.Duration(hours) * time.Hour)
}

// fixture wires an engine over fakes around one blueprint and one record.
type fixture struct {
	engine       *Engine
	blueprints   *fakeBlueprints
	recordStates *fakeRecordStates
	executions   *fakeExecutions
	approvals    *fakeApprovals
	slaInstances *fakeSlaInstances
	records      *fakeRecords
	actions      *fakeActions
	directory    *fakeDirectory
	attachments  *fakeAttachments
	now          time.Time
}

func newFixture(t *testing.T, blueprint domain.Blueprint) *fixture {
	t.Helper()
	f := &fixture{
		blueprints:   newFakeBlueprints(blueprint),
		recordStates: newFakeRecordStates(),
		executions:   newFakeExecutions(),
		approvals:    newFakeApprovals(),
		slaInstances: newFakeSlaInstances(),
		records:      newFakeRecords(),
		actions:      newFakeActions(),
		directory:    &fakeDirectory{roles: map[string][]string{}, managers: map[string]string{}},
		attachments:  &fakeAttachments{counts: map[string]int{}},
		now:          time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}

	eng, err := New(Deps{
		Blueprints:   f.blueprints,
		RecordStates: f.recordStates,
		Executions:   f.executions,
		Approvals:    f.approvals,
		SlaInstances: f.slaInstances,
		Records:      f.records,
		Actions:      f.actions,
		Directory:    f.directory,
		Attachments:  f.attachments,
		Calendar:     wallCalendar{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.engine = eng
	return f
}

func (f *fixture) addRecord(module, recordID string, fields domain.FieldMap) {
	f.records.fields[recordKey(module, recordID)] = fields
}

// placeRecord pins the record's tracked state without going through the
// first-entry path.
func (f *fixture) placeRecord(blueprintID, recordID, stateID string) {
	f.recordStates.byKey[stateKey(blueprintID, recordID)] = domain.RecordState{
		BlueprintID:    blueprintID,
		RecordID:       recordID,
		CurrentStateID: stateID,
		StateEnteredAt: f.now,
	}
}

const (
	testStateOpen   = "st-open"
	testStateReview = "st-review"
	testStateWon    = "st-won"

	testTransitionReview = "t-review"
	testTransitionWin    = "t-win"
)

// dealBlueprint is a three-state pipeline on deals.status:
// open -> in_review -> won.
func dealBlueprint() domain.Blueprint {
	return domain.Blueprint{
		ID:      "bp-1",
		Module:  "deals",
		Field:   "status",
		Name:    "Deal pipeline",
		Active:  true,
		Version: 3,
		States: []domain.State{
			{ID: testStateOpen, Name: "Open", FieldOptionValue: "open", Initial: true},
			{ID: testStateReview, Name: "In Review", FieldOptionValue: "in_review"},
			{ID: testStateWon, Name: "Won", FieldOptionValue: "won", Terminal: true},
		},
		Transitions: []domain.Transition{
			{ID: testTransitionReview, FromStateID: testStateOpen, ToStateID: testStateReview, Name: "Send to review", Active: true, DisplayOrder: 1},
			{ID: testTransitionWin, FromStateID: testStateReview, ToStateID: testStateWon, Name: "Mark won", Active: true, DisplayOrder: 2},
		},
	}
}
