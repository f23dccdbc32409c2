package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

const selectRecordQuery = `
SELECT fields
FROM crm_records
WHERE module = $1 AND record_id = $2`

const updateRecordFieldQuery = `
UPDATE crm_records
SET fields = jsonb_set(fields, ARRAY[$3], $4::jsonb, true),
    updated_at = $5
WHERE module = $1 AND record_id = $2`

const insertRecordQuery = `
INSERT INTO crm_records (module, record_id, fields, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)`

const insertTaskQuery = `
INSERT INTO crm_tasks (task_id, module, record_id, subject, description, assigned_to, due_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertNotificationQuery = `
INSERT INTO notifications (notification_id, user_id, subject, body, created_at)
VALUES ($1, $2, $3, $4, $5)`

// CRMRecordStore is the storage the engine reads record data from and the
// action executor writes through. Field values live in one JSONB document per
// record; updates touch a single top-level key.
type CRMRecordStore struct {
	db DB
}

func NewCRMRecordStore(db DB) (*CRMRecordStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &CRMRecordStore{db: db}, nil
}

func (s *CRMRecordStore) GetRecord(ctx context.Context, module, recordID string) (domain.FieldMap, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("crm record store is not initialized")
	}
	if strings.TrimSpace(module) == "" || strings.TrimSpace(recordID) == "" {
		return nil, errors.New("module and record id are required")
	}

	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectRecordQuery, module, recordID).Scan(&raw); err != nil {
		return nil, handleNotFound(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode record fields: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return domain.FieldMap(fields), nil
}

func (s *CRMRecordStore) UpdateField(ctx context.Context, module, recordID, field string, value any) error {
	if s == nil || s.db == nil {
		return errors.New("crm record store is not initialized")
	}
	if strings.TrimSpace(module) == "" || strings.TrimSpace(recordID) == "" {
		return errors.New("module and record id are required")
	}
	if strings.TrimSpace(field) == "" {
		return errors.New("field is required")
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode field value: %w", err)
	}
	result, err := s.db.ExecContext(ctx, updateRecordFieldQuery, module, recordID, field, encoded, time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *CRMRecordStore) CreateRecord(ctx context.Context, module string, fields domain.FieldMap) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("crm record store is not initialized")
	}
	if strings.TrimSpace(module) == "" {
		return "", errors.New("module is required")
	}
	if fields == nil {
		fields = domain.FieldMap{}
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode record fields: %w", err)
	}
	recordID := uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertRecordQuery, module, recordID, encoded, time.Now().UTC()); err != nil {
		return "", err
	}
	return recordID, nil
}

func (s *CRMRecordStore) CreateTask(ctx context.Context, task domain.Task) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("crm record store is not initialized")
	}
	if strings.TrimSpace(task.Module) == "" || strings.TrimSpace(task.RecordID) == "" {
		return "", errors.New("task module and record id are required")
	}
	if strings.TrimSpace(task.Subject) == "" {
		return "", errors.New("task subject is required")
	}

	task.ID = uuid.NewString()
	task.CreatedAt = normalizeTime(task.CreatedAt)
	_, err := s.db.ExecContext(ctx, insertTaskQuery,
		task.ID,
		task.Module,
		task.RecordID,
		task.Subject,
		nullIfEmpty(task.Description),
		nullIfEmpty(task.AssignedTo),
		nullTime(task.DueAt),
		task.CreatedAt,
	)
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

// Notify stores an in-app notification row for the user's inbox.
func (s *CRMRecordStore) Notify(ctx context.Context, userID, subject, body string) error {
	if s == nil || s.db == nil {
		return errors.New("crm record store is not initialized")
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}

	_, err := s.db.ExecContext(ctx, insertNotificationQuery,
		uuid.NewString(),
		userID,
		subject,
		body,
		time.Now().UTC(),
	)
	return err
}
