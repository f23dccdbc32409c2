package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

type ApprovalStore struct {
	db DB
}

const (
	insertApprovalRequestQuery = `INSERT INTO approval_requests (
		request_id,
		execution_id,
		blueprint_id,
		record_id,
		requested_by,
		status,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	RETURNING request_id, execution_id, blueprint_id, record_id, requested_by, status, created_at, responded_at`

	selectPendingRequestByExecutionQuery = `SELECT request_id, execution_id, blueprint_id, record_id, requested_by, status, created_at, responded_at
	 FROM approval_requests
	 WHERE execution_id = $1 AND status = 'pending'`

	// First answer per approver wins; repeats insert nothing.
	insertApprovalDecisionQuery = `INSERT INTO approval_decisions (
		request_id,
		approver_id,
		approved,
		comment,
		decided_at
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (request_id, approver_id) DO NOTHING`

	listApprovalDecisionsQuery = `SELECT request_id, approver_id, approved, comment, decided_at
	 FROM approval_decisions
	 WHERE request_id = $1
	 ORDER BY decided_at ASC, approver_id ASC`

	closeApprovalRequestQuery = `UPDATE approval_requests SET
		status = $2,
		responded_at = $3
	WHERE request_id = $1 AND status = 'pending'`

	listPendingRequestsQuery = `SELECT request_id, execution_id, blueprint_id, record_id, requested_by, status, created_at, responded_at
	 FROM approval_requests
	 WHERE status = 'pending'
	 ORDER BY created_at ASC
	 LIMIT $1`
)

func NewApprovalStore(db DB) *ApprovalStore {
	if db == nil {
		return nil
	}
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) CreateRequest(ctx context.Context, request domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval store not initialized")
	}
	executionID := strings.TrimSpace(request.ExecutionID)
	blueprintID := strings.TrimSpace(request.BlueprintID)
	recordID := strings.TrimSpace(request.RecordID)
	if executionID == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("execution id is required")
	}
	if blueprintID == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("blueprint id is required")
	}
	if recordID == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("record id is required")
	}

	id := strings.TrimSpace(request.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := request.Status
	if status == "" {
		status = domain.ApprovalRequestPending
	}

	row := s.db.QueryRowContext(ctx, insertApprovalRequestQuery,
		id, executionID, blueprintID, recordID, strings.TrimSpace(request.RequestedBy), string(status), normalizeTime(request.CreatedAt))
	inserted, err := scanApprovalRequest(row)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("insert approval request: %w", err)
	}
	return inserted, nil
}

func (s *ApprovalStore) GetPendingByExecution(ctx context.Context, executionID string) (domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return domain.ApprovalRequest{}, fmt.Errorf("approval store not initialized")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return domain.ApprovalRequest{}, fmt.Errorf("execution id is required")
	}
	row := s.db.QueryRowContext(ctx, selectPendingRequestByExecutionQuery, executionID)
	request, err := scanApprovalRequest(row)
	if err != nil {
		return domain.ApprovalRequest{}, handleNotFound(err)
	}
	return request, nil
}

func (s *ApprovalStore) RecordDecision(ctx context.Context, decision domain.ApprovalDecision) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	requestID := strings.TrimSpace(decision.RequestID)
	approverID := strings.TrimSpace(decision.ApproverID)
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	if approverID == "" {
		return fmt.Errorf("approver id is required")
	}
	_, err := s.db.ExecContext(ctx, insertApprovalDecisionQuery,
		requestID, approverID, decision.Approved, strings.TrimSpace(decision.Comment), normalizeTime(decision.DecidedAt))
	if err != nil {
		return fmt.Errorf("record approval decision: %w", err)
	}
	return nil
}

func (s *ApprovalStore) ListDecisions(ctx context.Context, requestID string) ([]domain.ApprovalDecision, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	rows, err := s.db.QueryContext(ctx, listApprovalDecisionsQuery, requestID)
	if err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", err)
	}
	defer rows.Close()

	decisions := make([]domain.ApprovalDecision, 0)
	for rows.Next() {
		var decision domain.ApprovalDecision
		if err := rows.Scan(&decision.RequestID, &decision.ApproverID, &decision.Approved, &decision.Comment, &decision.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan approval decision: %w", err)
		}
		decision.DecidedAt = decision.DecidedAt.UTC()
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", err)
	}
	return decisions, nil
}

// CloseRequest finalizes a pending request. Closing an already-closed request
// reports repo.ErrNotFound so overlapping resolvers cannot double-finalize.
func (s *ApprovalStore) CloseRequest(ctx context.Context, requestID string, status domain.ApprovalRequestStatus, respondedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("approval store not initialized")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}
	switch status {
	case domain.ApprovalRequestApproved, domain.ApprovalRequestRejected, domain.ApprovalRequestExpired, domain.ApprovalRequestCancelled:
	default:
		return fmt.Errorf("cannot close approval request with status %q", status)
	}
	result, err := s.db.ExecContext(ctx, closeApprovalRequestQuery, requestID, string(status), normalizeTime(respondedAt))
	if err != nil {
		return fmt.Errorf("close approval request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close approval request: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ApprovalStore) ListPending(ctx context.Context, limit int) ([]domain.ApprovalRequest, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("approval store not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listPendingRequestsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending approval requests: %w", err)
	}
	defer rows.Close()

	requests := make([]domain.ApprovalRequest, 0)
	for rows.Next() {
		request, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending approval requests: %w", err)
	}
	return requests, nil
}

type approvalRequestScanner interface {
	Scan(dest ...any) error
}

func scanApprovalRequest(scanner approvalRequestScanner) (domain.ApprovalRequest, error) {
	var request domain.ApprovalRequest
	var status string
	var respondedAt sql.NullTime
	if err := scanner.Scan(
		&request.ID,
		&request.ExecutionID,
		&request.BlueprintID,
		&request.RecordID,
		&request.RequestedBy,
		&status,
		&request.CreatedAt,
		&respondedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApprovalRequest{}, err
		}
		return domain.ApprovalRequest{}, fmt.Errorf("scan approval request: %w", err)
	}
	request.Status = domain.ApprovalRequestStatus(status)
	request.CreatedAt = request.CreatedAt.UTC()
	request.RespondedAt = timePtr(respondedAt)
	return request, nil
}
