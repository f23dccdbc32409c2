package domain

import "testing"

func TestCanTransitionExecutionStatus(t *testing.T) {
	legal := []struct{ from, to ExecutionStatus }{
		{ExecutionPending, ExecutionAwaitingRequirements},
		{ExecutionPending, ExecutionAwaitingApproval},
		{ExecutionPending, ExecutionInProgress},
		{ExecutionPending, ExecutionCancelled},
		{ExecutionAwaitingRequirements, ExecutionAwaitingApproval},
		{ExecutionAwaitingRequirements, ExecutionInProgress},
		{ExecutionAwaitingRequirements, ExecutionFailed},
		{ExecutionAwaitingApproval, ExecutionAwaitingRequirements},
		{ExecutionAwaitingApproval, ExecutionInProgress},
		{ExecutionAwaitingApproval, ExecutionFailed},
		{ExecutionAwaitingApproval, ExecutionCancelled},
		{ExecutionInProgress, ExecutionCompleted},
		{ExecutionInProgress, ExecutionFailed},
		{ExecutionInProgress, ExecutionCancelled},
	}
	for _, tc := range legal {
		if !CanTransitionExecutionStatus(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to ExecutionStatus }{
		{ExecutionPending, ExecutionCompleted},
		{ExecutionAwaitingRequirements, ExecutionCompleted},
		{ExecutionAwaitingApproval, ExecutionCompleted},
		{ExecutionInProgress, ExecutionAwaitingApproval},
		{ExecutionCompleted, ExecutionFailed},
		{ExecutionFailed, ExecutionInProgress},
		{ExecutionCancelled, ExecutionCancelled},
		{ExecutionRolledBack, ExecutionPending},
		{"", ExecutionPending},
		{ExecutionPending, ""},
	}
	for _, tc := range illegal {
		if CanTransitionExecutionStatus(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestNormalizeExecutionStatus(t *testing.T) {
	if got := NormalizeExecutionStatus("  In_Progress "); got != ExecutionInProgress {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeExecutionStatus("unknown"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRolledBack} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []ExecutionStatus{ExecutionPending, ExecutionAwaitingRequirements, ExecutionAwaitingApproval, ExecutionInProgress} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}
