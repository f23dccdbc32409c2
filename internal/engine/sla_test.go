package engine

import (
	"context"
	"testing"
	"time"

	"github.com/relaycrm/relay-go/internal/domain"
)

func slaBlueprint() domain.Blueprint {
	blueprint := dealBlueprint()
	blueprint.Slas = []domain.Sla{
		{
			ID:            "sla-review",
			StateID:       testStateReview,
			Name:          "Review turnaround",
			DurationHours: 48,
			WarningHours:  8,
			Active:        true,
			Escalations: []domain.SlaEscalation{
				{ID: "esc-warn", Trigger: domain.SlaTriggerApproaching, Action: domain.ActionSendNotification},
				{ID: "esc-breach", Trigger: domain.SlaTriggerBreached, Action: domain.ActionAssignOwner},
			},
		},
	}
	return blueprint
}

func moveToReview(t *testing.T, f *fixture) {
	t.Helper()
	f.addRecord("deals", "rec-1", domain.FieldMap{"status": "open"})
	f.placeRecord("bp-1", "rec-1", testStateOpen)
	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionReview,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", execution.Status)
	}
}

func TestCompletedTransitionArmsSla(t *testing.T) {
	f := newFixture(t, slaBlueprint())
	moveToReview(t, f)

	status, err := f.engine.SLAStatus(context.Background(), "bp-1", "rec-1")
	if err != nil {
		t.Fatalf("sla status: %v", err)
	}
	if status.Instance.SlaID != "sla-review" {
		t.Fatalf("sla id = %s, want sla-review", status.Instance.SlaID)
	}
	wantDue := f.now.Add(48 * time.Hour)
	if !status.Instance.DueAt.Equal(wantDue) {
		t.Fatalf("due at = %v, want %v", status.Instance.DueAt, wantDue)
	}
	if status.Instance.WarnAt == nil || !status.Instance.WarnAt.Equal(f.now.Add(40*time.Hour)) {
		t.Fatalf("warn at = %v, want %v", status.Instance.WarnAt, f.now.Add(40*time.Hour))
	}
	if status.Remaining != 48*time.Hour {
		t.Fatalf("remaining = %v, want 48h", status.Remaining)
	}
}

func TestScanSLAsWarnsOnce(t *testing.T) {
	f := newFixture(t, slaBlueprint())
	moveToReview(t, f)

	f.now = f.now.Add(41 * time.Hour)
	warned, breached, err := f.engine.ScanSLAs(context.Background(), 100)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if warned != 1 || breached != 0 {
		t.Fatalf("warned=%d breached=%d, want 1/0", warned, breached)
	}
	if len(f.actions.executed) == 0 || f.actions.executed[len(f.actions.executed)-1] != "esc-warn" {
		t.Fatalf("warning escalation did not fire: %v", f.actions.executed)
	}

	fired := len(f.actions.executed)
	warned, breached, err = f.engine.ScanSLAs(context.Background(), 100)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if warned != 0 || breached != 0 {
		t.Fatalf("second scan warned=%d breached=%d, want 0/0", warned, breached)
	}
	if len(f.actions.executed) != fired {
		t.Fatalf("escalation fired again on second scan")
	}
}

func TestScanSLAsBreaches(t *testing.T) {
	f := newFixture(t, slaBlueprint())
	moveToReview(t, f)

	f.now = f.now.Add(49 * time.Hour)
	warned, breached, err := f.engine.ScanSLAs(context.Background(), 100)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if warned != 0 || breached != 1 {
		t.Fatalf("warned=%d breached=%d, want 0/1", warned, breached)
	}
	if f.actions.executed[len(f.actions.executed)-1] != "esc-breach" {
		t.Fatalf("breach escalation did not fire: %v", f.actions.executed)
	}

	// The instance left the active pool; nothing more to scan.
	warned, breached, err = f.engine.ScanSLAs(context.Background(), 100)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if warned != 0 || breached != 0 {
		t.Fatalf("second scan warned=%d breached=%d, want 0/0", warned, breached)
	}
}

func TestLeavingStateClosesSlaMet(t *testing.T) {
	f := newFixture(t, slaBlueprint())
	moveToReview(t, f)

	f.now = f.now.Add(2 * time.Hour)
	execution, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionWin,
		Actor:        "user-1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if execution.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", execution.Status)
	}

	var reviewInstance domain.SlaInstance
	for _, instance := range f.slaInstances.byID {
		if instance.SlaID == "sla-review" {
			reviewInstance = instance
		}
	}
	if reviewInstance.Status != domain.SlaInstanceMet {
		t.Fatalf("sla status = %s, want met", reviewInstance.Status)
	}
	if reviewInstance.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
}

func TestLeavingStateAfterDeadlineClosesSlaBreached(t *testing.T) {
	f := newFixture(t, slaBlueprint())
	moveToReview(t, f)

	f.now = f.now.Add(72 * time.Hour)
	if _, err := f.engine.AttemptTransition(context.Background(), AttemptInput{
		BlueprintID:  "bp-1",
		RecordID:     "rec-1",
		TransitionID: testTransitionWin,
		Actor:        "user-1",
	}); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	for _, instance := range f.slaInstances.byID {
		if instance.SlaID == "sla-review" && instance.Status != domain.SlaInstanceBreached {
			t.Fatalf("sla status = %s, want breached", instance.Status)
		}
	}
}
