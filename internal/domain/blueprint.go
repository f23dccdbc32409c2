package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Blueprint is the state-machine definition for one module+field pair. The
// governed field's value encodes the record's current state. At most one
// active blueprint may exist per module+field (storage-enforced).
type Blueprint struct {
	ID          string
	Module      string
	Field       string
	Name        string
	Description string
	Active      bool
	Version     int
	LayoutData  Metadata
	States      []State
	Transitions []Transition
	Slas        []Sla
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State is a named node, mapped to the literal stored in the record's field
// while in this state. Color and position are cosmetic editor metadata.
type State struct {
	ID               string
	Name             string
	FieldOptionValue string
	Color            string
	Initial          bool
	Terminal         bool
	PositionX        int
	PositionY        int
	Metadata         Metadata
}

// Transition is a guarded directed edge. An empty FromStateID means the
// transition is offered from any state. Self-loops and back-transitions are
// legal; the graph need not be acyclic.
type Transition struct {
	ID           string
	FromStateID  string
	ToStateID    string
	Name         string
	Description  string
	ButtonLabel  string
	DisplayOrder int
	Active       bool
	Conditions   []Condition
	Requirements []Requirement
	Actions      []Action
	Approval     *ApprovalConfig
}

// Sla is a per-state timer definition. DurationHours drives the breach
// deadline, WarningHours an earlier warning. When BusinessHoursOnly or
// ExcludeWeekends is set the clock advances per the business calendar.
type Sla struct {
	ID                string
	StateID           string
	Name              string
	DurationHours     int
	WarningHours      int
	BusinessHoursOnly bool
	ExcludeWeekends   bool
	Active            bool
	Escalations       []SlaEscalation
}

// SlaEscalation describes what fires when an SLA instance is approaching or
// past its deadline. The configured action runs through the action executor.
type SlaEscalation struct {
	ID             string
	Trigger        SlaTrigger
	TriggerPercent int
	Action         ActionKind
	Config         Metadata
	DisplayOrder   int
}

type SlaTrigger string

const (
	SlaTriggerApproaching SlaTrigger = "approaching"
	SlaTriggerBreached    SlaTrigger = "breached"
)

// Validate checks structural integrity: every reference stays inside the
// blueprint and every nested configuration is well-formed. It does not
// require an initial state; that is an activation concern.
func (b Blueprint) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("blueprint name is required")
	}
	if strings.TrimSpace(b.Module) == "" {
		return fmt.Errorf("blueprint module is required")
	}
	if strings.TrimSpace(b.Field) == "" {
		return fmt.Errorf("blueprint field is required")
	}

	states := make(map[string]struct{}, len(b.States))
	values := make(map[string]string, len(b.States))
	for _, state := range b.States {
		if strings.TrimSpace(state.Name) == "" {
			return fmt.Errorf("state name is required")
		}
		value := strings.TrimSpace(state.FieldOptionValue)
		if value == "" {
			return fmt.Errorf("state %q needs a field option value", state.Name)
		}
		if other, dup := values[value]; dup {
			return fmt.Errorf("states %q and %q share field value %q: %w", other, state.Name, value, ErrDuplicateStateValue)
		}
		values[value] = state.Name
		states[state.ID] = struct{}{}
	}

	for _, transition := range b.Transitions {
		if strings.TrimSpace(transition.Name) == "" {
			return fmt.Errorf("transition name is required")
		}
		if _, ok := states[transition.ToStateID]; !ok {
			return fmt.Errorf("transition %q to_state %q: %w", transition.Name, transition.ToStateID, ErrInvalidReference)
		}
		if transition.FromStateID != "" {
			if _, ok := states[transition.FromStateID]; !ok {
				return fmt.Errorf("transition %q from_state %q: %w", transition.Name, transition.FromStateID, ErrInvalidReference)
			}
		}
		for _, cond := range transition.Conditions {
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("transition %q: %w", transition.Name, err)
			}
		}
		for _, req := range transition.Requirements {
			if err := req.Validate(); err != nil {
				return fmt.Errorf("transition %q: %w", transition.Name, err)
			}
		}
		for _, action := range transition.Actions {
			if err := action.Validate(); err != nil {
				return fmt.Errorf("transition %q: %w", transition.Name, err)
			}
		}
		if transition.Approval != nil {
			if err := transition.Approval.Validate(); err != nil {
				return fmt.Errorf("transition %q: %w", transition.Name, err)
			}
		}
	}

	for _, sla := range b.Slas {
		if _, ok := states[sla.StateID]; !ok {
			return fmt.Errorf("sla %q state %q: %w", sla.Name, sla.StateID, ErrInvalidReference)
		}
		if sla.DurationHours < 1 {
			return fmt.Errorf("sla %q duration must be >= 1 hour", sla.Name)
		}
		if sla.WarningHours < 0 || sla.WarningHours >= sla.DurationHours {
			if sla.WarningHours != 0 {
				return fmt.Errorf("sla %q warning must fall before the deadline", sla.Name)
			}
		}
		for _, esc := range sla.Escalations {
			switch esc.Trigger {
			case SlaTriggerApproaching, SlaTriggerBreached:
			default:
				return fmt.Errorf("sla %q: unsupported trigger %q", sla.Name, esc.Trigger)
			}
		}
	}
	return nil
}

// ValidateForActivation additionally requires exactly one initial state.
func (b Blueprint) ValidateForActivation() error {
	if err := b.Validate(); err != nil {
		return err
	}
	initials := 0
	for _, state := range b.States {
		if state.Initial {
			initials++
		}
	}
	if initials != 1 {
		return fmt.Errorf("blueprint %q has %d initial states: %w", b.Name, initials, ErrMissingInitialState)
	}
	return nil
}

func (b Blueprint) StateByID(id string) (State, bool) {
	for _, state := range b.States {
		if state.ID == id {
			return state, true
		}
	}
	return State{}, false
}

func (b Blueprint) StateByFieldValue(value string) (State, bool) {
	value = strings.TrimSpace(value)
	for _, state := range b.States {
		if state.FieldOptionValue == value {
			return state, true
		}
	}
	return State{}, false
}

func (b Blueprint) InitialState() (State, bool) {
	for _, state := range b.States {
		if state.Initial {
			return state, true
		}
	}
	return State{}, false
}

func (b Blueprint) TransitionByID(id string) (Transition, bool) {
	for _, transition := range b.Transitions {
		if transition.ID == id {
			return transition, true
		}
	}
	return Transition{}, false
}

// TransitionsFrom returns the active transitions legal from a state (its own
// plus any-state transitions), ordered by display order then id.
func (b Blueprint) TransitionsFrom(stateID string) []Transition {
	out := make([]Transition, 0, len(b.Transitions))
	for _, transition := range b.Transitions {
		if !transition.Active {
			continue
		}
		if transition.FromStateID == "" || transition.FromStateID == stateID {
			out = append(out, transition)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SlaForState returns the active SLA configured for a state, if any.
func (b Blueprint) SlaForState(stateID string) (Sla, bool) {
	for _, sla := range b.Slas {
		if sla.StateID == stateID && sla.Active {
			return sla, true
		}
	}
	return Sla{}, false
}
