package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

type ExecutionStore struct {
	db DB
}

const (
	// The conflict target mirrors the partial unique index over open
	// executions, so a second attempt against a busy record inserts nothing.
	insertExecutionQuery = `INSERT INTO transition_executions (
		execution_id,
		blueprint_id,
		blueprint_version,
		transition_id,
		record_id,
		from_state_id,
		to_state_id,
		executed_by,
		status,
		requirements_data,
		action_results,
		error_message,
		started_at,
		completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	ON CONFLICT (record_id) WHERE status IN ('pending','awaiting_requirements','awaiting_approval','in_progress') DO NOTHING
	RETURNING execution_id, blueprint_id, blueprint_version, transition_id, record_id, from_state_id, to_state_id, executed_by, status, requirements_data, action_results, error_message, started_at, completed_at`

	selectExecutionQuery = `SELECT execution_id, blueprint_id, blueprint_version, transition_id, record_id, from_state_id, to_state_id, executed_by, status, requirements_data, action_results, error_message, started_at, completed_at
	 FROM transition_executions
	 WHERE execution_id = $1`

	updateExecutionStatusQuery = `UPDATE transition_executions SET
		status = $3,
		error_message = $4,
		completed_at = $5
	WHERE execution_id = $1 AND status = $2`

	setRequirementsDataQuery = `UPDATE transition_executions SET requirements_data = $2 WHERE execution_id = $1`

	appendActionResultQuery = `UPDATE transition_executions SET action_results = action_results || $2::jsonb WHERE execution_id = $1`
)

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

// InsertOpen creates the execution row behind the one-open-execution-per-record
// guarantee. A conflicting open row surfaces as repo.ErrExecutionInProgress.
func (s *ExecutionStore) InsertOpen(ctx context.Context, execution domain.TransitionExecution) (domain.TransitionExecution, error) {
	if s == nil || s.db == nil {
		return domain.TransitionExecution{}, fmt.Errorf("execution store not initialized")
	}
	blueprintID := strings.TrimSpace(execution.BlueprintID)
	transitionID := strings.TrimSpace(execution.TransitionID)
	recordID := strings.TrimSpace(execution.RecordID)
	toStateID := strings.TrimSpace(execution.ToStateID)
	if blueprintID == "" {
		return domain.TransitionExecution{}, fmt.Errorf("blueprint id is required")
	}
	if execution.BlueprintVersion < 1 {
		return domain.TransitionExecution{}, fmt.Errorf("blueprint version must be >= 1")
	}
	if transitionID == "" {
		return domain.TransitionExecution{}, fmt.Errorf("transition id is required")
	}
	if recordID == "" {
		return domain.TransitionExecution{}, fmt.Errorf("record id is required")
	}
	if toStateID == "" {
		return domain.TransitionExecution{}, fmt.Errorf("target state id is required")
	}
	status := domain.NormalizeExecutionStatus(string(execution.Status))
	if status == "" {
		return domain.TransitionExecution{}, fmt.Errorf("status %q is not valid", execution.Status)
	}
	if status.Terminal() {
		return domain.TransitionExecution{}, fmt.Errorf("cannot open an execution in terminal status %q", status)
	}

	id := strings.TrimSpace(execution.ID)
	if id == "" {
		id = uuid.NewString()
	}
	requirements, err := encodeMetadata(execution.RequirementsData)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("encode requirements data: %w", err)
	}
	results, err := encodeActionResults(execution.ActionResults)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("encode action results: %w", err)
	}

	row := s.db.QueryRowContext(ctx, insertExecutionQuery,
		id,
		blueprintID,
		execution.BlueprintVersion,
		transitionID,
		recordID,
		strings.TrimSpace(execution.FromStateID),
		toStateID,
		strings.TrimSpace(execution.ExecutedBy),
		string(status),
		requirements,
		results,
		strings.TrimSpace(execution.ErrorMessage),
		normalizeTime(execution.StartedAt),
		nullTime(execution.CompletedAt),
	)
	inserted, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransitionExecution{}, repo.ErrExecutionInProgress
		}
		return domain.TransitionExecution{}, fmt.Errorf("insert execution: %w", err)
	}
	return inserted, nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (domain.TransitionExecution, error) {
	if s == nil || s.db == nil {
		return domain.TransitionExecution{}, fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TransitionExecution{}, fmt.Errorf("execution id is required")
	}
	row := s.db.QueryRowContext(ctx, selectExecutionQuery, id)
	execution, err := scanExecution(row)
	if err != nil {
		return domain.TransitionExecution{}, handleNotFound(err)
	}
	return execution, nil
}

// UpdateStatus moves the execution from an expected status to the next one. A
// lost race returns repo.ErrStaleStatus so the caller can re-read and decide.
func (s *ExecutionStore) UpdateStatus(ctx context.Context, id string, from, to domain.ExecutionStatus, errorMessage string, completedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if !domain.CanTransitionExecutionStatus(from, to) {
		return fmt.Errorf("execution status cannot move from %q to %q", from, to)
	}

	result, err := s.db.ExecContext(ctx, updateExecutionStatusQuery,
		id, string(from), string(to), strings.TrimSpace(errorMessage), nullTime(completedAt))
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return repo.ErrStaleStatus
	}
	return nil
}

func (s *ExecutionStore) SetRequirementsData(ctx context.Context, id string, data domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	encoded, err := encodeMetadata(data)
	if err != nil {
		return fmt.Errorf("encode requirements data: %w", err)
	}
	result, err := s.db.ExecContext(ctx, setRequirementsDataQuery, id, encoded)
	if err != nil {
		return fmt.Errorf("set requirements data: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set requirements data: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) AppendActionResult(ctx context.Context, id string, actionResult domain.ActionResult) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	encoded, err := json.Marshal([]domain.ActionResult{actionResult})
	if err != nil {
		return fmt.Errorf("encode action result: %w", err)
	}
	result, err := s.db.ExecContext(ctx, appendActionResultQuery, id, encoded)
	if err != nil {
		return fmt.Errorf("append action result: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append action result: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) List(ctx context.Context, filter repo.ExecutionFilter) ([]domain.TransitionExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	query := `SELECT execution_id, blueprint_id, blueprint_version, transition_id, record_id, from_state_id, to_state_id, executed_by, status, requirements_data, action_results, error_message, started_at, completed_at
	 FROM transition_executions`
	var clauses []string
	var args []any
	if blueprintID := strings.TrimSpace(filter.BlueprintID); blueprintID != "" {
		args = append(args, blueprintID)
		clauses = append(clauses, "blueprint_id = $"+strconv.Itoa(len(args)))
	}
	if recordID := strings.TrimSpace(filter.RecordID); recordID != "" {
		args = append(args, recordID)
		clauses = append(clauses, "record_id = $"+strconv.Itoa(len(args)))
	}
	if status := domain.NormalizeExecutionStatus(string(filter.Status)); status != "" {
		args = append(args, string(status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, execution_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]domain.TransitionExecution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}

func encodeActionResults(results []domain.ActionResult) ([]byte, error) {
	if results == nil {
		results = []domain.ActionResult{}
	}
	return json.Marshal(results)
}

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner executionScanner) (domain.TransitionExecution, error) {
	var execution domain.TransitionExecution
	var status string
	var requirements []byte
	var results []byte
	var completedAt sql.NullTime
	if err := scanner.Scan(
		&execution.ID,
		&execution.BlueprintID,
		&execution.BlueprintVersion,
		&execution.TransitionID,
		&execution.RecordID,
		&execution.FromStateID,
		&execution.ToStateID,
		&execution.ExecutedBy,
		&status,
		&requirements,
		&results,
		&execution.ErrorMessage,
		&execution.StartedAt,
		&completedAt,
	); err != nil {
		return domain.TransitionExecution{}, err
	}
	execution.Status = domain.ExecutionStatus(status)
	execution.StartedAt = execution.StartedAt.UTC()
	execution.CompletedAt = timePtr(completedAt)

	data, err := decodeMetadata(requirements)
	if err != nil {
		return domain.TransitionExecution{}, fmt.Errorf("decode requirements data: %w", err)
	}
	execution.RequirementsData = data
	if len(results) > 0 {
		if err := json.Unmarshal(results, &execution.ActionResults); err != nil {
			return domain.TransitionExecution{}, fmt.Errorf("decode action results: %w", err)
		}
	}
	return execution, nil
}
