// Package definition serializes the versioned part of a blueprint — its
// states, transitions, and SLAs — with stable field names. Revisions persist
// this document verbatim so an execution pinned to version N resumes against
// exactly the configuration it started under.
package definition

import (
	"encoding/json"

	"github.com/relaycrm/relay-go/internal/domain"
)

// Marshal serializes a blueprint's versioned definition.
func Marshal(blueprint domain.Blueprint) ([]byte, error) {
	payload := definitionPayload{
		LayoutData:  blueprint.LayoutData,
		States:      make([]statePayload, 0, len(blueprint.States)),
		Transitions: make([]transitionPayload, 0, len(blueprint.Transitions)),
		Slas:        make([]slaPayload, 0, len(blueprint.Slas)),
	}
	for _, state := range blueprint.States {
		payload.States = append(payload.States, statePayload{
			ID:               state.ID,
			Name:             state.Name,
			FieldOptionValue: state.FieldOptionValue,
			Color:            state.Color,
			Initial:          state.Initial,
			Terminal:         state.Terminal,
			PositionX:        state.PositionX,
			PositionY:        state.PositionY,
			Metadata:         state.Metadata,
		})
	}
	for _, transition := range blueprint.Transitions {
		payload.Transitions = append(payload.Transitions, transitionPayloadFromDomain(transition))
	}
	for _, sla := range blueprint.Slas {
		payload.Slas = append(payload.Slas, slaPayloadFromDomain(sla))
	}
	return json.Marshal(payload)
}

// Unmarshal parses a persisted definition into the versioned fields of a
// blueprint shell. Identity fields (id, module, field, version) come from
// the owning row, not the document.
func Unmarshal(raw []byte, blueprint *domain.Blueprint) error {
	var payload definitionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	blueprint.LayoutData = payload.LayoutData
	blueprint.States = make([]domain.State, 0, len(payload.States))
	for _, state := range payload.States {
		blueprint.States = append(blueprint.States, domain.State{
			ID:               state.ID,
			Name:             state.Name,
			FieldOptionValue: state.FieldOptionValue,
			Color:            state.Color,
			Initial:          state.Initial,
			Terminal:         state.Terminal,
			PositionX:        state.PositionX,
			PositionY:        state.PositionY,
			Metadata:         state.Metadata,
		})
	}
	blueprint.Transitions = make([]domain.Transition, 0, len(payload.Transitions))
	for _, transition := range payload.Transitions {
		blueprint.Transitions = append(blueprint.Transitions, transitionPayloadToDomain(transition))
	}
	blueprint.Slas = make([]domain.Sla, 0, len(payload.Slas))
	for _, sla := range payload.Slas {
		blueprint.Slas = append(blueprint.Slas, slaPayloadToDomain(sla))
	}
	return nil
}

type definitionPayload struct {
	LayoutData  domain.Metadata     `json:"layout_data,omitempty"`
	States      []statePayload      `json:"states"`
	Transitions []transitionPayload `json:"transitions"`
	Slas        []slaPayload        `json:"slas,omitempty"`
}

type statePayload struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	FieldOptionValue string          `json:"field_option_value"`
	Color            string          `json:"color,omitempty"`
	Initial          bool            `json:"is_initial,omitempty"`
	Terminal         bool            `json:"is_terminal,omitempty"`
	PositionX        int             `json:"position_x,omitempty"`
	PositionY        int             `json:"position_y,omitempty"`
	Metadata         domain.Metadata `json:"metadata,omitempty"`
}

type transitionPayload struct {
	ID           string               `json:"id"`
	FromStateID  string               `json:"from_state_id,omitempty"`
	ToStateID    string               `json:"to_state_id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	ButtonLabel  string               `json:"button_label,omitempty"`
	DisplayOrder int                  `json:"display_order"`
	Active       bool                 `json:"is_active"`
	Conditions   []conditionPayload   `json:"conditions,omitempty"`
	Requirements []requirementPayload `json:"requirements,omitempty"`
	Actions      []actionPayload      `json:"actions,omitempty"`
	Approval     *approvalPayload     `json:"approval,omitempty"`
}

type conditionPayload struct {
	Field        string   `json:"field"`
	Kind         string   `json:"kind"`
	Value        string   `json:"value,omitempty"`
	Values       []string `json:"values,omitempty"`
	DisplayOrder int      `json:"display_order"`
}

type requirementPayload struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Field        string          `json:"field"`
	Label        string          `json:"label,omitempty"`
	Description  string          `json:"description,omitempty"`
	Required     bool            `json:"is_required"`
	Config       domain.Metadata `json:"config,omitempty"`
	DisplayOrder int             `json:"display_order"`
}

type actionPayload struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Config       domain.Metadata `json:"config,omitempty"`
	Optional     bool            `json:"is_optional,omitempty"`
	Active       bool            `json:"is_active"`
	DisplayOrder int             `json:"display_order"`
}

type approvalPayload struct {
	Kind             string   `json:"kind"`
	Rule             string   `json:"rule"`
	Quorum           int      `json:"quorum,omitempty"`
	UserIDs          []string `json:"user_ids,omitempty"`
	Role             string   `json:"role,omitempty"`
	Field            string   `json:"field,omitempty"`
	AutoRejectDays   int      `json:"auto_reject_days,omitempty"`
	NotifyOnPending  bool     `json:"notify_on_pending,omitempty"`
	NotifyOnComplete bool     `json:"notify_on_complete,omitempty"`
}

type slaPayload struct {
	ID                string              `json:"id"`
	StateID           string              `json:"state_id"`
	Name              string              `json:"name"`
	DurationHours     int                 `json:"duration_hours"`
	WarningHours      int                 `json:"warning_hours,omitempty"`
	BusinessHoursOnly bool                `json:"business_hours_only,omitempty"`
	ExcludeWeekends   bool                `json:"exclude_weekends,omitempty"`
	Active            bool                `json:"is_active"`
	Escalations       []escalationPayload `json:"escalations,omitempty"`
}

type escalationPayload struct {
	ID             string          `json:"id"`
	Trigger        string          `json:"trigger"`
	TriggerPercent int             `json:"trigger_percent,omitempty"`
	Action         string          `json:"action"`
	Config         domain.Metadata `json:"config,omitempty"`
	DisplayOrder   int             `json:"display_order"`
}

func transitionPayloadFromDomain(transition domain.Transition) transitionPayload {
	payload := transitionPayload{
		ID:           transition.ID,
		FromStateID:  transition.FromStateID,
		ToStateID:    transition.ToStateID,
		Name:         transition.Name,
		Description:  transition.Description,
		ButtonLabel:  transition.ButtonLabel,
		DisplayOrder: transition.DisplayOrder,
		Active:       transition.Active,
	}
	for _, cond := range transition.Conditions {
		payload.Conditions = append(payload.Conditions, conditionPayload{
			Field:        cond.Field,
			Kind:         string(cond.Kind),
			Value:        cond.Value,
			Values:       cond.Values,
			DisplayOrder: cond.DisplayOrder,
		})
	}
	for _, req := range transition.Requirements {
		payload.Requirements = append(payload.Requirements, requirementPayload{
			ID:           req.ID,
			Kind:         string(req.Kind),
			Field:        req.Field,
			Label:        req.Label,
			Description:  req.Description,
			Required:     req.Required,
			Config:       req.Config,
			DisplayOrder: req.DisplayOrder,
		})
	}
	for _, action := range transition.Actions {
		payload.Actions = append(payload.Actions, actionPayload{
			ID:           action.ID,
			Kind:         string(action.Kind),
			Config:       action.Config,
			Optional:     action.Optional,
			Active:       action.Active,
			DisplayOrder: action.DisplayOrder,
		})
	}
	if transition.Approval != nil {
		payload.Approval = &approvalPayload{
			Kind:             string(transition.Approval.Kind),
			Rule:             string(transition.Approval.Rule),
			Quorum:           transition.Approval.Quorum,
			UserIDs:          transition.Approval.UserIDs,
			Role:             transition.Approval.Role,
			Field:            transition.Approval.Field,
			AutoRejectDays:   transition.Approval.AutoRejectDays,
			NotifyOnPending:  transition.Approval.NotifyOnPending,
			NotifyOnComplete: transition.Approval.NotifyOnComplete,
		}
	}
	return payload
}

func transitionPayloadToDomain(payload transitionPayload) domain.Transition {
	transition := domain.Transition{
		ID:           payload.ID,
		FromStateID:  payload.FromStateID,
		ToStateID:    payload.ToStateID,
		Name:         payload.Name,
		Description:  payload.Description,
		ButtonLabel:  payload.ButtonLabel,
		DisplayOrder: payload.DisplayOrder,
		Active:       payload.Active,
	}
	for _, cond := range payload.Conditions {
		transition.Conditions = append(transition.Conditions, domain.Condition{
			Field:        cond.Field,
			Kind:         domain.ConditionKind(cond.Kind),
			Value:        cond.Value,
			Values:       cond.Values,
			DisplayOrder: cond.DisplayOrder,
		})
	}
	for _, req := range payload.Requirements {
		transition.Requirements = append(transition.Requirements, domain.Requirement{
			ID:           req.ID,
			Kind:         domain.RequirementKind(req.Kind),
			Field:        req.Field,
			Label:        req.Label,
			Description:  req.Description,
			Required:     req.Required,
			Config:       req.Config,
			DisplayOrder: req.DisplayOrder,
		})
	}
	for _, action := range payload.Actions {
		transition.Actions = append(transition.Actions, domain.Action{
			ID:           action.ID,
			Kind:         domain.ActionKind(action.Kind),
			Config:       action.Config,
			Optional:     action.Optional,
			Active:       action.Active,
			DisplayOrder: action.DisplayOrder,
		})
	}
	if payload.Approval != nil {
		transition.Approval = &domain.ApprovalConfig{
			Kind:             domain.ApprovalKind(payload.Approval.Kind),
			Rule:             domain.ApprovalRule(payload.Approval.Rule),
			Quorum:           payload.Approval.Quorum,
			UserIDs:          payload.Approval.UserIDs,
			Role:             payload.Approval.Role,
			Field:            payload.Approval.Field,
			AutoRejectDays:   payload.Approval.AutoRejectDays,
			NotifyOnPending:  payload.Approval.NotifyOnPending,
			NotifyOnComplete: payload.Approval.NotifyOnComplete,
		}
	}
	return transition
}

func slaPayloadFromDomain(sla domain.Sla) slaPayload {
	payload := slaPayload{
		ID:                sla.ID,
		StateID:           sla.StateID,
		Name:              sla.Name,
		DurationHours:     sla.DurationHours,
		WarningHours:      sla.WarningHours,
		BusinessHoursOnly: sla.BusinessHoursOnly,
		ExcludeWeekends:   sla.ExcludeWeekends,
		Active:            sla.Active,
	}
	for _, esc := range sla.Escalations {
		payload.Escalations = append(payload.Escalations, escalationPayload{
			ID:             esc.ID,
			Trigger:        string(esc.Trigger),
			TriggerPercent: esc.TriggerPercent,
			Action:         string(esc.Action),
			Config:         esc.Config,
			DisplayOrder:   esc.DisplayOrder,
		})
	}
	return payload
}

func slaPayloadToDomain(payload slaPayload) domain.Sla {
	sla := domain.Sla{
		ID:                payload.ID,
		StateID:           payload.StateID,
		Name:              payload.Name,
		DurationHours:     payload.DurationHours,
		WarningHours:      payload.WarningHours,
		BusinessHoursOnly: payload.BusinessHoursOnly,
		ExcludeWeekends:   payload.ExcludeWeekends,
		Active:            payload.Active,
	}
	for _, esc := range payload.Escalations {
		sla.Escalations = append(sla.Escalations, domain.SlaEscalation{
			ID:             esc.ID,
			Trigger:        domain.SlaTrigger(esc.Trigger),
			TriggerPercent: esc.TriggerPercent,
			Action:         domain.ActionKind(esc.Action),
			Config:         esc.Config,
			DisplayOrder:   esc.DisplayOrder,
		})
	}
	return sla
}
