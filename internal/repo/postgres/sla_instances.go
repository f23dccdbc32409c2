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

type SlaInstanceStore struct {
	db DB
}

const (
	insertSlaInstanceQuery = `INSERT INTO sla_instances (
		sla_instance_id,
		sla_id,
		blueprint_id,
		record_id,
		state_entered_at,
		due_at,
		warn_at,
		status,
		warned_at,
		escalated_at,
		completed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	RETURNING sla_instance_id, sla_id, blueprint_id, record_id, state_entered_at, due_at, warn_at, status, warned_at, escalated_at, completed_at`

	selectSlaInstanceQuery = `SELECT sla_instance_id, sla_id, blueprint_id, record_id, state_entered_at, due_at, warn_at, status, warned_at, escalated_at, completed_at
	 FROM sla_instances
	 WHERE sla_instance_id = $1`

	selectActiveSlaInstanceByRecordQuery = `SELECT sla_instance_id, sla_id, blueprint_id, record_id, state_entered_at, due_at, warn_at, status, warned_at, escalated_at, completed_at
	 FROM sla_instances
	 WHERE blueprint_id = $1 AND record_id = $2 AND status = 'active'
	 ORDER BY state_entered_at DESC
	 LIMIT 1`

	closeSlaInstanceQuery = `UPDATE sla_instances SET
		status = $2,
		completed_at = $3
	WHERE sla_instance_id = $1 AND status = 'active'`

	listActiveSlaInstancesQuery = `SELECT sla_instance_id, sla_id, blueprint_id, record_id, state_entered_at, due_at, warn_at, status, warned_at, escalated_at, completed_at
	 FROM sla_instances
	 WHERE status = 'active'
	 ORDER BY due_at ASC
	 LIMIT $1`

	// Check-and-set writes: only the scan that finds the column unset wins.
	markSlaWarnedQuery = `UPDATE sla_instances SET warned_at = $2
	 WHERE sla_instance_id = $1 AND warned_at IS NULL`

	markSlaEscalatedQuery = `UPDATE sla_instances SET escalated_at = $2
	 WHERE sla_instance_id = $1 AND escalated_at IS NULL`

	markSlaBreachedQuery = `UPDATE sla_instances SET status = 'breached'
	 WHERE sla_instance_id = $1 AND status = 'active'`
)

func NewSlaInstanceStore(db DB) *SlaInstanceStore {
	if db == nil {
		return nil
	}
	return &SlaInstanceStore{db: db}
}

func (s *SlaInstanceStore) Create(ctx context.Context, instance domain.SlaInstance) (domain.SlaInstance, error) {
	if s == nil || s.db == nil {
		return domain.SlaInstance{}, fmt.Errorf("sla instance store not initialized")
	}
	slaID := strings.TrimSpace(instance.SlaID)
	blueprintID := strings.TrimSpace(instance.BlueprintID)
	recordID := strings.TrimSpace(instance.RecordID)
	if slaID == "" {
		return domain.SlaInstance{}, fmt.Errorf("sla id is required")
	}
	if blueprintID == "" {
		return domain.SlaInstance{}, fmt.Errorf("blueprint id is required")
	}
	if recordID == "" {
		return domain.SlaInstance{}, fmt.Errorf("record id is required")
	}
	if instance.DueAt.IsZero() {
		return domain.SlaInstance{}, fmt.Errorf("due at is required")
	}

	id := strings.TrimSpace(instance.ID)
	if id == "" {
		id = uuid.NewString()
	}
	status := instance.Status
	if status == "" {
		status = domain.SlaInstanceActive
	}

	row := s.db.QueryRowContext(ctx, insertSlaInstanceQuery,
		id,
		slaID,
		blueprintID,
		recordID,
		normalizeTime(instance.StateEnteredAt),
		instance.DueAt.UTC(),
		nullTime(instance.WarnAt),
		string(status),
		nullTime(instance.WarnedAt),
		nullTime(instance.EscalatedAt),
		nullTime(instance.CompletedAt),
	)
	inserted, err := scanSlaInstance(row)
	if err != nil {
		return domain.SlaInstance{}, fmt.Errorf("insert sla instance: %w", err)
	}
	return inserted, nil
}

func (s *SlaInstanceStore) Get(ctx context.Context, id string) (domain.SlaInstance, error) {
	if s == nil || s.db == nil {
		return domain.SlaInstance{}, fmt.Errorf("sla instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SlaInstance{}, fmt.Errorf("sla instance id is required")
	}
	row := s.db.QueryRowContext(ctx, selectSlaInstanceQuery, id)
	instance, err := scanSlaInstance(row)
	if err != nil {
		return domain.SlaInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func (s *SlaInstanceStore) GetActiveByRecord(ctx context.Context, blueprintID, recordID string) (domain.SlaInstance, error) {
	if s == nil || s.db == nil {
		return domain.SlaInstance{}, fmt.Errorf("sla instance store not initialized")
	}
	blueprintID = strings.TrimSpace(blueprintID)
	recordID = strings.TrimSpace(recordID)
	if blueprintID == "" || recordID == "" {
		return domain.SlaInstance{}, fmt.Errorf("blueprint id and record id are required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveSlaInstanceByRecordQuery, blueprintID, recordID)
	instance, err := scanSlaInstance(row)
	if err != nil {
		return domain.SlaInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func (s *SlaInstanceStore) Close(ctx context.Context, id string, status domain.SlaInstanceStatus, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sla instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sla instance id is required")
	}
	switch status {
	case domain.SlaInstanceMet, domain.SlaInstanceBreached:
	default:
		return fmt.Errorf("cannot close sla instance with status %q", status)
	}
	result, err := s.db.ExecContext(ctx, closeSlaInstanceQuery, id, string(status), normalizeTime(completedAt))
	if err != nil {
		return fmt.Errorf("close sla instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close sla instance: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *SlaInstanceStore) ListActive(ctx context.Context, limit int) ([]domain.SlaInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sla instance store not initialized")
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, listActiveSlaInstancesQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list active sla instances: %w", err)
	}
	defer rows.Close()

	instances := make([]domain.SlaInstance, 0)
	for rows.Next() {
		instance, err := scanSlaInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sla instances: %w", err)
	}
	return instances, nil
}

func (s *SlaInstanceStore) MarkWarned(ctx context.Context, id string, warnedAt time.Time) (bool, error) {
	return s.markOnce(ctx, markSlaWarnedQuery, id, normalizeTime(warnedAt))
}

func (s *SlaInstanceStore) MarkEscalated(ctx context.Context, id string, escalatedAt time.Time) (bool, error) {
	return s.markOnce(ctx, markSlaEscalatedQuery, id, normalizeTime(escalatedAt))
}

func (s *SlaInstanceStore) MarkBreached(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sla instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("sla instance id is required")
	}
	result, err := s.db.ExecContext(ctx, markSlaBreachedQuery, id)
	if err != nil {
		return false, fmt.Errorf("mark sla breached: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sla breached: %w", err)
	}
	return affected > 0, nil
}

func (s *SlaInstanceStore) markOnce(ctx context.Context, query, id string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sla instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("sla instance id is required")
	}
	result, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark sla instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sla instance: %w", err)
	}
	return affected > 0, nil
}

type slaInstanceScanner interface {
	Scan(dest ...any) error
}

func scanSlaInstance(scanner slaInstanceScanner) (domain.SlaInstance, error) {
	var instance domain.SlaInstance
	var status string
	var warnAt, warnedAt, escalatedAt, completedAt sql.NullTime
	if err := scanner.Scan(
		&instance.ID,
		&instance.SlaID,
		&instance.BlueprintID,
		&instance.RecordID,
		&instance.StateEnteredAt,
		&instance.DueAt,
		&warnAt,
		&status,
		&warnedAt,
		&escalatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SlaInstance{}, err
		}
		return domain.SlaInstance{}, fmt.Errorf("scan sla instance: %w", err)
	}
	instance.Status = domain.SlaInstanceStatus(status)
	instance.StateEnteredAt = instance.StateEnteredAt.UTC()
	instance.DueAt = instance.DueAt.UTC()
	instance.WarnAt = timePtr(warnAt)
	instance.WarnedAt = timePtr(warnedAt)
	instance.EscalatedAt = timePtr(escalatedAt)
	instance.CompletedAt = timePtr(completedAt)
	return instance, nil
}
