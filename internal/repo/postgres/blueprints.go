package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaycrm/relay-go/internal/definition"
	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/repo"
)

type BlueprintStore struct {
	db DB
}

const (
	// Insert and snapshot in one statement so a saved blueprint always has
	// a matching revision row.
	insertBlueprintQuery = `WITH inserted AS (
		INSERT INTO blueprints (
			blueprint_id,
			module,
			field,
			name,
			description,
			is_active,
			version,
			definition,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,1,$7,$8,$8)
		RETURNING blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at
	), revision AS (
		INSERT INTO blueprint_revisions (blueprint_id, version, definition, created_at)
		SELECT blueprint_id, version, definition, created_at FROM inserted
	)
	SELECT blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at FROM inserted`

	updateBlueprintQuery = `WITH updated AS (
		UPDATE blueprints SET
			name = $2,
			description = $3,
			is_active = $4,
			version = version + 1,
			definition = $5,
			updated_at = $6
		WHERE blueprint_id = $1
		RETURNING blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at
	), revision AS (
		INSERT INTO blueprint_revisions (blueprint_id, version, definition, created_at)
		SELECT blueprint_id, version, definition, updated_at FROM updated
	)
	SELECT blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at FROM updated`

	selectBlueprintQuery = `SELECT blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at
	 FROM blueprints
	 WHERE blueprint_id = $1`

	selectBlueprintRevisionQuery = `SELECT b.blueprint_id, b.module, b.field, b.name, b.description, b.is_active, r.version, r.definition, b.created_at, b.updated_at
	 FROM blueprint_revisions r
	 JOIN blueprints b USING (blueprint_id)
	 WHERE r.blueprint_id = $1 AND r.version = $2`

	selectActiveBlueprintQuery = `SELECT blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at
	 FROM blueprints
	 WHERE module = $1 AND field = $2 AND is_active`

	deleteBlueprintQuery = `DELETE FROM blueprints WHERE blueprint_id = $1`
)

func NewBlueprintStore(db DB) *BlueprintStore {
	if db == nil {
		return nil
	}
	return &BlueprintStore{db: db}
}

func (s *BlueprintStore) Create(ctx context.Context, blueprint domain.Blueprint) (domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return domain.Blueprint{}, fmt.Errorf("blueprint store not initialized")
	}
	module := strings.TrimSpace(blueprint.Module)
	field := strings.TrimSpace(blueprint.Field)
	name := strings.TrimSpace(blueprint.Name)
	if module == "" {
		return domain.Blueprint{}, fmt.Errorf("module is required")
	}
	if field == "" {
		return domain.Blueprint{}, fmt.Errorf("field is required")
	}
	if name == "" {
		return domain.Blueprint{}, fmt.Errorf("name is required")
	}

	id := strings.TrimSpace(blueprint.ID)
	if id == "" {
		id = uuid.NewString()
	}
	def, err := definition.Marshal(blueprint)
	if err != nil {
		return domain.Blueprint{}, fmt.Errorf("encode blueprint definition: %w", err)
	}
	now := normalizeTime(blueprint.CreatedAt)

	row := s.db.QueryRowContext(ctx, insertBlueprintQuery,
		id, module, field, name, strings.TrimSpace(blueprint.Description), blueprint.Active, def, now)
	saved, err := scanBlueprint(row)
	if err != nil {
		return domain.Blueprint{}, activeConflict(fmt.Errorf("insert blueprint: %w", err))
	}
	return saved, nil
}

func (s *BlueprintStore) Update(ctx context.Context, blueprint domain.Blueprint) (domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return domain.Blueprint{}, fmt.Errorf("blueprint store not initialized")
	}
	id := strings.TrimSpace(blueprint.ID)
	if id == "" {
		return domain.Blueprint{}, fmt.Errorf("blueprint id is required")
	}
	name := strings.TrimSpace(blueprint.Name)
	if name == "" {
		return domain.Blueprint{}, fmt.Errorf("name is required")
	}
	def, err := definition.Marshal(blueprint)
	if err != nil {
		return domain.Blueprint{}, fmt.Errorf("encode blueprint definition: %w", err)
	}

	row := s.db.QueryRowContext(ctx, updateBlueprintQuery,
		id, name, strings.TrimSpace(blueprint.Description), blueprint.Active, def, time.Now().UTC())
	saved, err := scanBlueprint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Blueprint{}, repo.ErrNotFound
		}
		return domain.Blueprint{}, activeConflict(fmt.Errorf("update blueprint: %w", err))
	}
	return saved, nil
}

func (s *BlueprintStore) Get(ctx context.Context, id string) (domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return domain.Blueprint{}, fmt.Errorf("blueprint store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Blueprint{}, fmt.Errorf("blueprint id is required")
	}
	row := s.db.QueryRowContext(ctx, selectBlueprintQuery, id)
	blueprint, err := scanBlueprint(row)
	if err != nil {
		return domain.Blueprint{}, handleNotFound(err)
	}
	return blueprint, nil
}

func (s *BlueprintStore) GetRevision(ctx context.Context, id string, version int) (domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return domain.Blueprint{}, fmt.Errorf("blueprint store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Blueprint{}, fmt.Errorf("blueprint id is required")
	}
	if version < 1 {
		return domain.Blueprint{}, fmt.Errorf("version must be >= 1")
	}
	row := s.db.QueryRowContext(ctx, selectBlueprintRevisionQuery, id, version)
	blueprint, err := scanBlueprint(row)
	if err != nil {
		return domain.Blueprint{}, handleNotFound(err)
	}
	return blueprint, nil
}

func (s *BlueprintStore) FindActiveByModuleField(ctx context.Context, module, field string) (domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return domain.Blueprint{}, fmt.Errorf("blueprint store not initialized")
	}
	module = strings.TrimSpace(module)
	field = strings.TrimSpace(field)
	if module == "" || field == "" {
		return domain.Blueprint{}, fmt.Errorf("module and field are required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveBlueprintQuery, module, field)
	blueprint, err := scanBlueprint(row)
	if err != nil {
		return domain.Blueprint{}, handleNotFound(err)
	}
	return blueprint, nil
}

func (s *BlueprintStore) List(ctx context.Context, filter repo.BlueprintFilter) ([]domain.Blueprint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("blueprint store not initialized")
	}
	query := `SELECT blueprint_id, module, field, name, description, is_active, version, definition, created_at, updated_at
	 FROM blueprints`
	var clauses []string
	var args []any
	if module := strings.TrimSpace(filter.Module); module != "" {
		args = append(args, module)
		clauses = append(clauses, "module = $"+strconv.Itoa(len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		clauses = append(clauses, "is_active = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY module ASC, field ASC, name ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	defer rows.Close()

	blueprints := make([]domain.Blueprint, 0)
	for rows.Next() {
		blueprint, err := scanBlueprint(rows)
		if err != nil {
			return nil, err
		}
		blueprints = append(blueprints, blueprint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	return blueprints, nil
}

func (s *BlueprintStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("blueprint store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("blueprint id is required")
	}
	result, err := s.db.ExecContext(ctx, deleteBlueprintQuery, id)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

type blueprintScanner interface {
	Scan(dest ...any) error
}

func scanBlueprint(scanner blueprintScanner) (domain.Blueprint, error) {
	var blueprint domain.Blueprint
	var def []byte
	if err := scanner.Scan(
		&blueprint.ID,
		&blueprint.Module,
		&blueprint.Field,
		&blueprint.Name,
		&blueprint.Description,
		&blueprint.Active,
		&blueprint.Version,
		&def,
		&blueprint.CreatedAt,
		&blueprint.UpdatedAt,
	); err != nil {
		return domain.Blueprint{}, err
	}
	if err := definition.Unmarshal(def, &blueprint); err != nil {
		return domain.Blueprint{}, fmt.Errorf("decode blueprint definition: %w", err)
	}
	blueprint.CreatedAt = blueprint.CreatedAt.UTC()
	blueprint.UpdatedAt = blueprint.UpdatedAt.UTC()
	return blueprint, nil
}

// activeConflict maps the partial unique index over active (module, field)
// rows to the repo sentinel.
func activeConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return repo.ErrActiveBlueprintExists
	}
	return err
}
