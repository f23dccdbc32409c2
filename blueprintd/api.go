package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaycrm/relay-go/internal/definition"
	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/engine"
	"github.com/relaycrm/relay-go/internal/platform/auth"
	"github.com/relaycrm/relay-go/internal/platform/httpserver"
	"github.com/relaycrm/relay-go/internal/repo"
	"github.com/relaycrm/relay-go/internal/service/blueprints"
)

type blueprintAPI struct {
	logger  *slog.Logger
	admin   *blueprints.Service
	engine  *engine.Engine
	maxBody int64
}

func newBlueprintAPI(logger *slog.Logger, admin *blueprints.Service, eng *engine.Engine) *blueprintAPI {
	return &blueprintAPI{
		logger:  logger,
		admin:   admin,
		engine:  eng,
		maxBody: 1 << 20, // 1 MiB
	}
}

func (api *blueprintAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /blueprints", api.handleListBlueprints)
	mux.HandleFunc("POST /blueprints", api.handleCreateBlueprint)
	mux.HandleFunc("GET /blueprints/default", api.handleDefaultBlueprint)
	mux.HandleFunc("GET /blueprints/{blueprint_id}", api.handleGetBlueprint)
	mux.HandleFunc("PUT /blueprints/{blueprint_id}", api.handleUpdateBlueprint)
	mux.HandleFunc("DELETE /blueprints/{blueprint_id}", api.handleDeleteBlueprint)
	mux.HandleFunc("POST /blueprints/{blueprint_id}/activate", api.handleActivateBlueprint)
	mux.HandleFunc("POST /blueprints/{blueprint_id}/deactivate", api.handleDeactivateBlueprint)
	mux.HandleFunc("GET /blueprints/{blueprint_id}/revisions/{version}", api.handleGetRevision)

	mux.HandleFunc("POST /blueprints/{blueprint_id}/records/{record_id}/enter", api.handleEnterInitialState)
	mux.HandleFunc("GET /blueprints/{blueprint_id}/records/{record_id}/transitions", api.handleListTransitions)
	mux.HandleFunc("POST /blueprints/{blueprint_id}/records/{record_id}/transitions/{transition_id}", api.handleAttemptTransition)
	mux.HandleFunc("GET /blueprints/{blueprint_id}/records/{record_id}/history", api.handleHistory)
	mux.HandleFunc("GET /blueprints/{blueprint_id}/records/{record_id}/sla", api.handleSlaStatus)

	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetExecution)
	mux.HandleFunc("GET /executions/{execution_id}/requirements", api.handleRequirementStatuses)
	mux.HandleFunc("POST /executions/{execution_id}/requirements", api.handleSupplyRequirement)
	mux.HandleFunc("POST /executions/{execution_id}/approval", api.handleApprovalDecision)
	mux.HandleFunc("POST /executions/{execution_id}/cancel", api.handleCancelExecution)
}

// blueprintDoc is the wire form of a blueprint. The definition document is
// the same one persisted in revisions.
type blueprintDoc struct {
	BlueprintID string          `json:"blueprint_id,omitempty"`
	Module      string          `json:"module"`
	Field       string          `json:"field"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Active      bool            `json:"is_active"`
	Version     int             `json:"version,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

func blueprintToDoc(bp domain.Blueprint) (blueprintDoc, error) {
	raw, err := definition.Marshal(bp)
	if err != nil {
		return blueprintDoc{}, err
	}
	doc := blueprintDoc{
		BlueprintID: bp.ID,
		Module:      bp.Module,
		Field:       bp.Field,
		Name:        bp.Name,
		Description: bp.Description,
		Active:      bp.Active,
		Version:     bp.Version,
		Definition:  raw,
	}
	if !bp.CreatedAt.IsZero() {
		created := bp.CreatedAt
		doc.CreatedAt = &created
	}
	if !bp.UpdatedAt.IsZero() {
		updated := bp.UpdatedAt
		doc.UpdatedAt = &updated
	}
	return doc, nil
}

func docToBlueprint(doc blueprintDoc) (domain.Blueprint, error) {
	bp := domain.Blueprint{
		ID:          doc.BlueprintID,
		Module:      strings.TrimSpace(doc.Module),
		Field:       strings.TrimSpace(doc.Field),
		Name:        strings.TrimSpace(doc.Name),
		Description: doc.Description,
		Active:      doc.Active,
	}
	if len(doc.Definition) > 0 {
		if err := definition.Unmarshal(doc.Definition, &bp); err != nil {
			return domain.Blueprint{}, err
		}
	}
	return bp, nil
}

type executionDoc struct {
	ExecutionID      string                `json:"execution_id"`
	BlueprintID      string                `json:"blueprint_id"`
	BlueprintVersion int                   `json:"blueprint_version"`
	TransitionID     string                `json:"transition_id"`
	RecordID         string                `json:"record_id"`
	FromStateID      string                `json:"from_state_id,omitempty"`
	ToStateID        string                `json:"to_state_id"`
	ExecutedBy       string                `json:"executed_by"`
	Status           string                `json:"status"`
	RequirementsData domain.Metadata       `json:"requirements_data,omitempty"`
	ActionResults    []domain.ActionResult `json:"action_results,omitempty"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
}

func executionToDoc(execution domain.TransitionExecution) executionDoc {
	return executionDoc{
		ExecutionID:      execution.ID,
		BlueprintID:      execution.BlueprintID,
		BlueprintVersion: execution.BlueprintVersion,
		TransitionID:     execution.TransitionID,
		RecordID:         execution.RecordID,
		FromStateID:      execution.FromStateID,
		ToStateID:        execution.ToStateID,
		ExecutedBy:       execution.ExecutedBy,
		Status:           string(execution.Status),
		RequirementsData: execution.RequirementsData,
		ActionResults:    execution.ActionResults,
		ErrorMessage:     execution.ErrorMessage,
		StartedAt:        execution.StartedAt,
		CompletedAt:      execution.CompletedAt,
	}
}

func (api *blueprintAPI) handleCreateBlueprint(w http.ResponseWriter, r *http.Request) {
	if !api.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var doc blueprintDoc
	if !api.decodeBody(w, r, &doc) {
		return
	}
	blueprint, err := docToBlueprint(doc)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_definition")
		return
	}
	saved, err := api.admin.Create(r.Context(), blueprint, actor(r), requestID(r))
	if err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	api.writeBlueprint(w, r, http.StatusCreated, saved)
}

func (api *blueprintAPI) handleUpdateBlueprint(w http.ResponseWriter, r *http.Request) {
	if !api.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	var doc blueprintDoc
	if !api.decodeBody(w, r, &doc) {
		return
	}
	blueprint, err := docToBlueprint(doc)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_definition")
		return
	}
	blueprint.ID = r.PathValue("blueprint_id")
	saved, err := api.admin.Update(r.Context(), blueprint, actor(r), requestID(r))
	if err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	api.writeBlueprint(w, r, http.StatusOK, saved)
}

func (api *blueprintAPI) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	blueprint, err := api.admin.Get(r.Context(), r.PathValue("blueprint_id"))
	if err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	api.writeBlueprint(w, r, http.StatusOK, blueprint)
}

func (api *blueprintAPI) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_version")
		return
	}
	blueprint, err := api.admin.GetRevision(r.Context(), r.PathValue("blueprint_id"), version)
	if err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	api.writeBlueprint(w, r, http.StatusOK, blueprint)
}

func (api *blueprintAPI) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	filter := repo.BlueprintFilter{
		Module: strings.TrimSpace(r.URL.Query().Get("module")),
		Limit:  clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_active")
			return
		}
		filter.Active = &active
	}

	list, err := api.admin.List(r.Context(), filter)
	if err != nil {
		api.writeInternal(w, r, err)
		return
	}
	docs := make([]blueprintDoc, 0, len(list))
	for _, blueprint := range list {
		doc, err := blueprintToDoc(blueprint)
		if err != nil {
			api.writeInternal(w, r, err)
			return
		}
		docs = append(docs, doc)
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"blueprints": docs})
}

func (api *blueprintAPI) handleDeleteBlueprint(w http.ResponseWriter, r *http.Request) {
	if !api.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	if err := api.admin.Delete(r.Context(), r.PathValue("blueprint_id"), actor(r), requestID(r)); err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *blueprintAPI) handleActivateBlueprint(w http.ResponseWriter, r *http.Request) {
	api.setActive(w, r, true)
}

func (api *blueprintAPI) handleDeactivateBlueprint(w http.ResponseWriter, r *http.Request) {
	api.setActive(w, r, false)
}

func (api *blueprintAPI) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	if !api.requireRole(w, r, auth.RoleAdmin) {
		return
	}
	blueprint, err := api.admin.SetActive(r.Context(), r.PathValue("blueprint_id"), active, actor(r), requestID(r))
	if err != nil {
		api.writeBlueprintError(w, r, err)
		return
	}
	api.writeBlueprint(w, r, http.StatusOK, blueprint)
}

func (api *blueprintAPI) handleDefaultBlueprint(w http.ResponseWriter, r *http.Request) {
	module := strings.TrimSpace(r.URL.Query().Get("module"))
	field := strings.TrimSpace(r.URL.Query().Get("field"))
	if module == "" || field == "" {
		api.writeError(w, r, http.StatusBadRequest, "module_and_field_required")
		return
	}
	api.writeBlueprint(w, r, http.StatusOK, blueprints.DefaultBlueprint(module, field, r.URL.Query().Get("name")))
}

func (api *blueprintAPI) handleEnterInitialState(w http.ResponseWriter, r *http.Request) {
	state, err := api.engine.EnterInitialState(r.Context(), r.PathValue("blueprint_id"), r.PathValue("record_id"), actor(r))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"blueprint_id":     state.BlueprintID,
		"record_id":        state.RecordID,
		"current_state_id": state.CurrentStateID,
		"state_entered_at": state.StateEnteredAt,
		"sla_instance_id":  state.SlaInstanceID,
	})
}

func (api *blueprintAPI) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	offers, err := api.engine.ListAvailableTransitions(r.Context(), r.PathValue("blueprint_id"), r.PathValue("record_id"), actor(r))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(offers))
	for _, offer := range offers {
		out = append(out, map[string]any{
			"transition_id":     offer.Transition.ID,
			"name":              offer.Transition.Name,
			"button_label":      offer.Transition.ButtonLabel,
			"to_state_id":       offer.Transition.ToStateID,
			"available":         offer.Available,
			"failed_conditions": offer.FailedConditions,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

func (api *blueprintAPI) handleAttemptTransition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data domain.Metadata `json:"data"`
	}
	if r.ContentLength != 0 && !api.decodeBody(w, r, &body) {
		return
	}
	execution, err := api.engine.AttemptTransition(r.Context(), engine.AttemptInput{
		BlueprintID:  r.PathValue("blueprint_id"),
		RecordID:     r.PathValue("record_id"),
		TransitionID: r.PathValue("transition_id"),
		Actor:        actor(r),
		RequestID:    requestID(r),
		Data:         body.Data,
	})
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, executionToDoc(execution))
}

func (api *blueprintAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 50), 1, 200)
	executions, err := api.engine.History(r.Context(), r.PathValue("blueprint_id"), r.PathValue("record_id"), limit)
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	out := make([]executionDoc, 0, len(executions))
	for _, execution := range executions {
		out = append(out, executionToDoc(execution))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (api *blueprintAPI) handleSlaStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.engine.SLAStatus(r.Context(), r.PathValue("blueprint_id"), r.PathValue("record_id"))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"sla_instance_id": status.Instance.ID,
		"sla_id":          status.Instance.SlaID,
		"status":          string(status.Instance.Status),
		"due_at":          status.Instance.DueAt,
		"warn_at":         status.Instance.WarnAt,
		"percent_elapsed": status.PercentElapsed,
		"remaining_ms":    status.Remaining.Milliseconds(),
	})
}

func (api *blueprintAPI) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := api.engine.GetExecution(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, executionToDoc(execution))
}

func (api *blueprintAPI) handleRequirementStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := api.engine.RequirementStatuses(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, map[string]any{
			"requirement_id": status.Requirement.ID,
			"kind":           string(status.Requirement.Kind),
			"field":          status.Requirement.Field,
			"label":          status.Requirement.Label,
			"is_required":    status.Requirement.Required,
			"satisfied":      status.Satisfied,
			"reason":         status.Reason,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"requirements": out})
}

func (api *blueprintAPI) handleSupplyRequirement(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data domain.Metadata `json:"data"`
	}
	if !api.decodeBody(w, r, &body) {
		return
	}
	execution, err := api.engine.SupplyRequirement(r.Context(), r.PathValue("execution_id"), body.Data, actor(r), requestID(r))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, executionToDoc(execution))
}

func (api *blueprintAPI) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved *bool  `json:"approved"`
		Comment  string `json:"comment"`
	}
	if !api.decodeBody(w, r, &body) {
		return
	}
	if body.Approved == nil {
		api.writeError(w, r, http.StatusBadRequest, "approved_required")
		return
	}
	execution, err := api.engine.RecordApprovalDecision(r.Context(), r.PathValue("execution_id"), actor(r), *body.Approved, body.Comment, requestID(r))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, executionToDoc(execution))
}

func (api *blueprintAPI) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := api.engine.CancelExecution(r.Context(), r.PathValue("execution_id"), actor(r), requestID(r))
	if err != nil {
		api.writeEngineError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, executionToDoc(execution))
}

func (api *blueprintAPI) writeBlueprint(w http.ResponseWriter, r *http.Request, status int, blueprint domain.Blueprint) {
	doc, err := blueprintToDoc(blueprint)
	if err != nil {
		api.writeInternal(w, r, err)
		return
	}
	api.writeJSON(w, status, doc)
}

func (api *blueprintAPI) writeBlueprintError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrActiveBlueprintExists):
		api.writeError(w, r, http.StatusConflict, "active_blueprint_exists")
	case errors.Is(err, blueprints.ErrValidation):
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "invalid_blueprint",
			"detail":     err.Error(),
			"request_id": requestID(r),
		})
	default:
		api.writeInternal(w, r, err)
	}
}

func (api *blueprintAPI) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var condErr *engine.ConditionsError
	switch {
	case errors.As(err, &condErr):
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":             "conditions_not_met",
			"failed_conditions": condErr.Failed,
			"request_id":        requestID(r),
		})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, repo.ErrExecutionInProgress):
		api.writeError(w, r, http.StatusConflict, "execution_in_progress")
	case errors.Is(err, repo.ErrStaleStatus):
		api.writeError(w, r, http.StatusConflict, "stale_status")
	case errors.Is(err, engine.ErrBlueprintInactive):
		api.writeError(w, r, http.StatusConflict, "blueprint_inactive")
	case errors.Is(err, engine.ErrTransitionNotAvailable):
		api.writeError(w, r, http.StatusConflict, "transition_not_available")
	case errors.Is(err, engine.ErrNotAwaitingRequirements):
		api.writeError(w, r, http.StatusConflict, "not_awaiting_requirements")
	case errors.Is(err, engine.ErrNotAwaitingApproval):
		api.writeError(w, r, http.StatusConflict, "not_awaiting_approval")
	case errors.Is(err, engine.ErrNotApprover):
		api.writeError(w, r, http.StatusForbidden, "not_an_approver")
	case errors.Is(err, domain.ErrExecutionTerminal):
		api.writeError(w, r, http.StatusConflict, "execution_terminal")
	case errors.Is(err, domain.ErrMissingInitialState):
		api.writeError(w, r, http.StatusConflict, "missing_initial_state")
	default:
		api.writeInternal(w, r, err)
	}
}

func (api *blueprintAPI) requireRole(w http.ResponseWriter, r *http.Request, role string) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if ok && auth.HasAtLeast(identity.Roles, role) {
		return true
	}
	api.writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}

func (api *blueprintAPI) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, api.maxBody))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (api *blueprintAPI) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}

func (api *blueprintAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *blueprintAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID(r),
	})
}

func actor(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Subject
	}
	return ""
}

func requestID(r *http.Request) string {
	if id, ok := httpserver.RequestIDFromContext(r.Context()); ok {
		return id
	}
	return r.Header.Get("X-Request-Id")
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
