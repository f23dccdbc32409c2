// Package blueprints is the admin surface for blueprint definitions:
// create, edit, activate, and delete, with structural validation before any
// write and a revision snapshot on every save.
package blueprints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/platform/auditlog"
	"github.com/relaycrm/relay-go/internal/repo"
)

// ErrValidation wraps structural validation failures so transports can map
// them to 422 without matching individual messages.
var ErrValidation = errors.New("blueprint validation failed")

type Auditor interface {
	Record(ctx context.Context, actor, action, resourceType, resourceID, requestID string, payload any) error
}

type Service struct {
	blueprints repo.BlueprintRepository
	audit      Auditor
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(blueprints repo.BlueprintRepository, audit Auditor, logger *slog.Logger) (*Service, error) {
	if blueprints == nil {
		return nil, errors.New("blueprint repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		blueprints: blueprints,
		audit:      audit,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Create validates and persists a new blueprint. Activation on create is
// allowed only when the definition passes the stricter activation checks.
func (s *Service) Create(ctx context.Context, blueprint domain.Blueprint, actor, requestID string) (domain.Blueprint, error) {
	blueprint = withGeneratedIDs(blueprint)
	if err := s.validate(blueprint); err != nil {
		return domain.Blueprint{}, err
	}

	saved, err := s.blueprints.Create(ctx, blueprint)
	if err != nil {
		return domain.Blueprint{}, err
	}
	s.recordAudit(ctx, actor, auditlog.ActionBlueprintCreated, saved.ID, requestID, map[string]any{
		"module": saved.Module,
		"field":  saved.Field,
		"name":   saved.Name,
	})
	s.logger.Info("blueprint created", "blueprint_id", saved.ID, "module", saved.Module, "field", saved.Field)
	return saved, nil
}

// Update validates and saves a new version of an existing blueprint.
func (s *Service) Update(ctx context.Context, blueprint domain.Blueprint, actor, requestID string) (domain.Blueprint, error) {
	if strings.TrimSpace(blueprint.ID) == "" {
		return domain.Blueprint{}, fmt.Errorf("blueprint id is required: %w", ErrValidation)
	}
	current, err := s.blueprints.Get(ctx, blueprint.ID)
	if err != nil {
		return domain.Blueprint{}, err
	}
	blueprint.Module = current.Module
	blueprint.Field = current.Field
	blueprint = withGeneratedIDs(blueprint)
	if err := s.validate(blueprint); err != nil {
		return domain.Blueprint{}, err
	}

	saved, err := s.blueprints.Update(ctx, blueprint)
	if err != nil {
		return domain.Blueprint{}, err
	}
	action := auditlog.ActionBlueprintUpdated
	if saved.Active && !current.Active {
		action = auditlog.ActionBlueprintActivated
	}
	if !saved.Active && current.Active {
		action = auditlog.ActionBlueprintDeactivated
	}
	s.recordAudit(ctx, actor, action, saved.ID, requestID, map[string]any{
		"version": saved.Version,
	})
	return saved, nil
}

// SetActive flips only the activation flag, revalidating on activation.
func (s *Service) SetActive(ctx context.Context, id string, active bool, actor, requestID string) (domain.Blueprint, error) {
	blueprint, err := s.blueprints.Get(ctx, id)
	if err != nil {
		return domain.Blueprint{}, err
	}
	if blueprint.Active == active {
		return blueprint, nil
	}
	blueprint.Active = active
	return s.Update(ctx, blueprint, actor, requestID)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Blueprint, error) {
	return s.blueprints.Get(ctx, id)
}

func (s *Service) GetRevision(ctx context.Context, id string, version int) (domain.Blueprint, error) {
	return s.blueprints.GetRevision(ctx, id, version)
}

func (s *Service) FindActiveByModuleField(ctx context.Context, module, field string) (domain.Blueprint, error) {
	return s.blueprints.FindActiveByModuleField(ctx, module, field)
}

func (s *Service) List(ctx context.Context, filter repo.BlueprintFilter) ([]domain.Blueprint, error) {
	return s.blueprints.List(ctx, filter)
}

// Delete removes a blueprint and its revisions. Active blueprints must be
// deactivated first.
func (s *Service) Delete(ctx context.Context, id, actor, requestID string) error {
	blueprint, err := s.blueprints.Get(ctx, id)
	if err != nil {
		return err
	}
	if blueprint.Active {
		return fmt.Errorf("active blueprint cannot be deleted: %w", ErrValidation)
	}
	if err := s.blueprints.Delete(ctx, id); err != nil {
		return err
	}
	s.recordAudit(ctx, actor, auditlog.ActionBlueprintDeleted, id, requestID, map[string]any{
		"module": blueprint.Module,
		"field":  blueprint.Field,
	})
	return nil
}

// DefaultBlueprint builds a ready-to-edit starter pipeline for a module
// field: open, in progress, done, with unguarded transitions from every
// non-terminal state to every other state.
func DefaultBlueprint(module, field, name string) domain.Blueprint {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s %s workflow", module, field)
	}
	states := []domain.State{
		{ID: uuid.NewString(), Name: "Open", FieldOptionValue: "open", Initial: true, PositionX: 80, PositionY: 80},
		{ID: uuid.NewString(), Name: "In Progress", FieldOptionValue: "in_progress", PositionX: 320, PositionY: 80},
		{ID: uuid.NewString(), Name: "Done", FieldOptionValue: "done", Terminal: true, PositionX: 560, PositionY: 80},
	}

	var transitions []domain.Transition
	order := 0
	for _, from := range states {
		if from.Terminal {
			continue
		}
		for _, to := range states {
			if to.ID == from.ID {
				continue
			}
			order++
			transitions = append(transitions, domain.Transition{
				ID:           uuid.NewString(),
				FromStateID:  from.ID,
				ToStateID:    to.ID,
				Name:         fmt.Sprintf("Move to %s", to.Name),
				Active:       true,
				DisplayOrder: order,
			})
		}
	}

	return domain.Blueprint{
		Module:      module,
		Field:       field,
		Name:        name,
		States:      states,
		Transitions: transitions,
	}
}

func (s *Service) validate(blueprint domain.Blueprint) error {
	if err := blueprint.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if blueprint.Active {
		if err := blueprint.ValidateForActivation(); err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actor, action, blueprintID, requestID string, payload any) {
	if s.audit == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = "system"
	}
	if err := s.audit.Record(ctx, actor, action, "blueprint", blueprintID, requestID, payload); err != nil {
		s.logger.Warn("audit write failed", "action", action, "blueprint_id", blueprintID, "error", err)
	}
}

// withGeneratedIDs assigns ids to any definition element missing one, so
// clients may submit new states and transitions without inventing ids.
func withGeneratedIDs(blueprint domain.Blueprint) domain.Blueprint {
	for i := range blueprint.States {
		if strings.TrimSpace(blueprint.States[i].ID) == "" {
			blueprint.States[i].ID = uuid.NewString()
		}
	}
	for i := range blueprint.Transitions {
		if strings.TrimSpace(blueprint.Transitions[i].ID) == "" {
			blueprint.Transitions[i].ID = uuid.NewString()
		}
		for j := range blueprint.Transitions[i].Requirements {
			if strings.TrimSpace(blueprint.Transitions[i].Requirements[j].ID) == "" {
				blueprint.Transitions[i].Requirements[j].ID = uuid.NewString()
			}
		}
		for j := range blueprint.Transitions[i].Actions {
			if strings.TrimSpace(blueprint.Transitions[i].Actions[j].ID) == "" {
				blueprint.Transitions[i].Actions[j].ID = uuid.NewString()
			}
		}
	}
	for i := range blueprint.Slas {
		if strings.TrimSpace(blueprint.Slas[i].ID) == "" {
			blueprint.Slas[i].ID = uuid.NewString()
		}
		for j := range blueprint.Slas[i].Escalations {
			if strings.TrimSpace(blueprint.Slas[i].Escalations[j].ID) == "" {
				blueprint.Slas[i].Escalations[j].ID = uuid.NewString()
			}
		}
	}
	return blueprint
}
