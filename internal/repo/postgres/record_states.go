package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

type RecordStateStore struct {
	db DB
}

const (
	insertRecordStateQuery = `INSERT INTO record_states (
		blueprint_id,
		record_id,
		current_state_id,
		state_entered_at,
		sla_instance_id,
		metadata
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (blueprint_id, record_id) DO NOTHING
	RETURNING blueprint_id, record_id, current_state_id, state_entered_at, sla_instance_id, metadata`

	selectRecordStateQuery = `SELECT blueprint_id, record_id, current_state_id, state_entered_at, sla_instance_id, metadata
	 FROM record_states
	 WHERE blueprint_id = $1 AND record_id = $2`

	advanceRecordStateQuery = `UPDATE record_states SET
		current_state_id = $3,
		state_entered_at = $4,
		sla_instance_id = $5
	WHERE blueprint_id = $1 AND record_id = $2`
)

func NewRecordStateStore(db DB) *RecordStateStore {
	if db == nil {
		return nil
	}
	return &RecordStateStore{db: db}
}

func (s *RecordStateStore) Get(ctx context.Context, blueprintID, recordID string) (domain.RecordState, error) {
	if s == nil || s.db == nil {
		return domain.RecordState{}, fmt.Errorf("record state store not initialized")
	}
	blueprintID = strings.TrimSpace(blueprintID)
	recordID = strings.TrimSpace(recordID)
	if blueprintID == "" || recordID == "" {
		return domain.RecordState{}, fmt.Errorf("blueprint id and record id are required")
	}
	row := s.db.QueryRowContext(ctx, selectRecordStateQuery, blueprintID, recordID)
	state, err := scanRecordState(row)
	if err != nil {
		return domain.RecordState{}, handleNotFound(err)
	}
	return state, nil
}

// CreateIfAbsent inserts the first-entry row. When another caller got there
// first the existing row is returned with created=false.
func (s *RecordStateStore) CreateIfAbsent(ctx context.Context, state domain.RecordState) (domain.RecordState, bool, error) {
	if s == nil || s.db == nil {
		return domain.RecordState{}, false, fmt.Errorf("record state store not initialized")
	}
	blueprintID := strings.TrimSpace(state.BlueprintID)
	recordID := strings.TrimSpace(state.RecordID)
	stateID := strings.TrimSpace(state.CurrentStateID)
	if blueprintID == "" {
		return domain.RecordState{}, false, fmt.Errorf("blueprint id is required")
	}
	if recordID == "" {
		return domain.RecordState{}, false, fmt.Errorf("record id is required")
	}
	if stateID == "" {
		return domain.RecordState{}, false, fmt.Errorf("state id is required")
	}
	meta, err := encodeMetadata(state.Metadata)
	if err != nil {
		return domain.RecordState{}, false, fmt.Errorf("encode record state metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, insertRecordStateQuery,
		blueprintID, recordID, stateID, normalizeTime(state.StateEnteredAt), strings.TrimSpace(state.SlaInstanceID), meta)
	inserted, err := scanRecordState(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.RecordState{}, false, fmt.Errorf("insert record state: %w", err)
		}
		existing, err := s.Get(ctx, blueprintID, recordID)
		if err != nil {
			return domain.RecordState{}, false, err
		}
		return existing, false, nil
	}
	return inserted, true, nil
}

func (s *RecordStateStore) Advance(ctx context.Context, blueprintID, recordID, stateID string, enteredAt time.Time, slaInstanceID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("record state store not initialized")
	}
	blueprintID = strings.TrimSpace(blueprintID)
	recordID = strings.TrimSpace(recordID)
	stateID = strings.TrimSpace(stateID)
	if blueprintID == "" || recordID == "" {
		return fmt.Errorf("blueprint id and record id are required")
	}
	if stateID == "" {
		return fmt.Errorf("state id is required")
	}
	result, err := s.db.ExecContext(ctx, advanceRecordStateQuery,
		blueprintID, recordID, stateID, normalizeTime(enteredAt), strings.TrimSpace(slaInstanceID))
	if err != nil {
		return fmt.Errorf("advance record state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance record state: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type recordStateScanner interface {
	Scan(dest ...any) error
}

func scanRecordState(scanner recordStateScanner) (domain.RecordState, error) {
	var state domain.RecordState
	var meta []byte
	if err := scanner.Scan(
		&state.BlueprintID,
		&state.RecordID,
		&state.CurrentStateID,
		&state.StateEnteredAt,
		&state.SlaInstanceID,
		&meta,
	); err != nil {
		return domain.RecordState{}, err
	}
	state.StateEnteredAt = state.StateEnteredAt.UTC()
	decoded, err := decodeMetadata(meta)
	if err != nil {
		return domain.RecordState{}, fmt.Errorf("decode record state metadata: %w", err)
	}
	state.Metadata = decoded
	return state, nil
}
