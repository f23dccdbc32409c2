package definition

import (
	"strings"
	"testing"

	"github.com/relaycrm/relay-go/internal/domain"
)

func TestRoundTripKeepsDefinitionSemantics(t *testing.T) {
	original := domain.Blueprint{
		ID:         "bp-1",
		Module:     "deals",
		Field:      "status",
		Version:    4,
		LayoutData: domain.Metadata{"zoom": 1.5},
		States: []domain.State{
			{ID: "s1", Name: "Open", FieldOptionValue: "open", Initial: true, PositionX: 10},
			{ID: "s2", Name: "Won", FieldOptionValue: "won", Terminal: true},
		},
		Transitions: []domain.Transition{
			{
				ID: "t1", FromStateID: "s1", ToStateID: "s2", Name: "Win", Active: true,
				Conditions: []domain.Condition{
					{Field: "amount", Kind: domain.ConditionGreaterEq, Value: "1000"},
				},
				Requirements: []domain.Requirement{
					{ID: "r1", Kind: domain.RequirementChecklist, Field: "handoff", Required: true,
						Config: domain.Metadata{"items": []any{"contract"}}},
				},
				Actions: []domain.Action{
					{ID: "a1", Kind: domain.ActionWebhook, Active: true,
						Config: domain.Metadata{"url": "https://hooks.test"}},
				},
				Approval: &domain.ApprovalConfig{
					Kind: domain.ApprovalRole, Rule: domain.ApprovalRuleQuorum, Quorum: 2,
					Role: "finance", AutoRejectDays: 5,
				},
			},
			{ID: "t2", FromStateID: "", ToStateID: "s1", Name: "Reopen", Active: true},
		},
		Slas: []domain.Sla{
			{
				ID: "sla1", StateID: "s1", Name: "First touch", DurationHours: 48,
				WarningHours: 8, BusinessHoursOnly: true, Active: true,
				Escalations: []domain.SlaEscalation{
					{ID: "e1", Trigger: domain.SlaTriggerBreached, Action: domain.ActionAssignOwner,
						Config: domain.Metadata{"owner": "mgr-1"}},
				},
			},
		},
	}

	raw, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	// The wire names are a persistence contract; revisions written today must
	// parse forever.
	for _, key := range []string{`"field_option_value"`, `"is_initial"`, `"from_state_id"`, `"auto_reject_days"`, `"business_hours_only"`} {
		if !strings.Contains(string(raw), key) {
			t.Fatalf("document missing %s: %s", key, raw)
		}
	}

	var decoded domain.Blueprint
	if err := Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded.States) != 2 || len(decoded.Transitions) != 2 || len(decoded.Slas) != 1 {
		t.Fatalf("shape lost: %d states, %d transitions, %d slas", len(decoded.States), len(decoded.Transitions), len(decoded.Slas))
	}
	if !decoded.States[0].Initial || !decoded.States[1].Terminal {
		t.Fatalf("state flags lost")
	}
	if decoded.Transitions[1].FromStateID != "" {
		t.Fatalf("any-state transition gained a from state: %q", decoded.Transitions[1].FromStateID)
	}
	approval := decoded.Transitions[0].Approval
	if approval == nil || approval.Rule != domain.ApprovalRuleQuorum || approval.Quorum != 2 || approval.AutoRejectDays != 5 {
		t.Fatalf("approval config lost: %+v", approval)
	}
	if got := decoded.Transitions[0].Requirements[0].ChecklistItems(); len(got) != 1 || got[0] != "contract" {
		t.Fatalf("checklist config lost: %v", got)
	}
	sla := decoded.Slas[0]
	if !sla.BusinessHoursOnly || sla.WarningHours != 8 || len(sla.Escalations) != 1 {
		t.Fatalf("sla lost: %+v", sla)
	}
	if sla.Escalations[0].Action != domain.ActionAssignOwner {
		t.Fatalf("escalation action lost: %+v", sla.Escalations[0])
	}

	// Identity fields never travel in the document.
	if strings.Contains(string(raw), `"bp-1"`) || strings.Contains(string(raw), `"module"`) {
		t.Fatalf("identity fields leaked into the document: %s", raw)
	}
}
