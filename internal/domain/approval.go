package domain

import (
	"fmt"
	"strings"
	"time"
)

// ApprovalKind describes how the set of eligible approvers is resolved at
// decision time. Resolution itself is a collaborator concern; the kinds
// mirror the configuration surface.
type ApprovalKind string

const (
	// ApprovalUsers names explicit user ids.
	ApprovalUsers ApprovalKind = "users"
	// ApprovalRole resolves every user holding a role.
	ApprovalRole ApprovalKind = "role"
	// ApprovalManager resolves the record owner's manager.
	ApprovalManager ApprovalKind = "manager"
	// ApprovalField reads approver user ids from a record field.
	ApprovalField ApprovalKind = "field"
)

// ApprovalRule is the quorum rule applied over approver decisions.
type ApprovalRule string

const (
	ApprovalRuleAny    ApprovalRule = "any"
	ApprovalRuleAll    ApprovalRule = "all"
	ApprovalRuleQuorum ApprovalRule = "quorum"
)

// ApprovalConfig gates a transition behind human decisions. When present the
// transition can never auto-complete.
type ApprovalConfig struct {
	Kind             ApprovalKind
	Rule             ApprovalRule
	Quorum           int
	UserIDs          []string
	Role             string
	Field            string
	AutoRejectDays   int
	NotifyOnPending  bool
	NotifyOnComplete bool
}

func (a ApprovalConfig) Validate() error {
	switch a.Kind {
	case ApprovalUsers:
		if len(trimNonEmpty(a.UserIDs)) == 0 {
			return fmt.Errorf("users approval needs at least one user id")
		}
	case ApprovalRole:
		if strings.TrimSpace(a.Role) == "" {
			return fmt.Errorf("role approval needs a role")
		}
	case ApprovalManager:
	case ApprovalField:
		if strings.TrimSpace(a.Field) == "" {
			return fmt.Errorf("field approval needs a field name")
		}
	default:
		return fmt.Errorf("unsupported approval kind %q", a.Kind)
	}

	switch a.Rule {
	case ApprovalRuleAny, ApprovalRuleAll:
	case ApprovalRuleQuorum:
		if a.Quorum < 1 {
			return fmt.Errorf("quorum approval needs quorum >= 1")
		}
	default:
		return fmt.Errorf("unsupported approval rule %q", a.Rule)
	}
	if a.AutoRejectDays < 0 {
		return fmt.Errorf("auto reject days must be >= 0")
	}
	return nil
}

// ApprovalRequest is the runtime row opened when an execution suspends in
// awaiting_approval. One open request per execution.
type ApprovalRequest struct {
	ID          string
	ExecutionID string
	BlueprintID string
	RecordID    string
	RequestedBy string
	Status      ApprovalRequestStatus
	CreatedAt   time.Time
	RespondedAt *time.Time
}

type ApprovalRequestStatus string

const (
	ApprovalRequestPending   ApprovalRequestStatus = "pending"
	ApprovalRequestApproved  ApprovalRequestStatus = "approved"
	ApprovalRequestRejected  ApprovalRequestStatus = "rejected"
	ApprovalRequestExpired   ApprovalRequestStatus = "expired"
	ApprovalRequestCancelled ApprovalRequestStatus = "cancelled"
)

// ApprovalDecision is one approver's recorded answer on a request.
type ApprovalDecision struct {
	RequestID  string
	ApproverID string
	Approved   bool
	Comment    string
	DecidedAt  time.Time
}

// ApprovalOutcome is the aggregate verdict over the decisions so far.
type ApprovalOutcome string

const (
	ApprovalOutcomePending  ApprovalOutcome = "pending"
	ApprovalOutcomeApproved ApprovalOutcome = "approved"
	ApprovalOutcomeRejected ApprovalOutcome = "rejected"
)

// Outcome applies the quorum rule to the decisions recorded so far.
// approvers is the concrete resolved approver set; decisions from users
// outside it are ignored. A single rejection vetoes under any and all rules;
// under quorum, rejections veto only once approval can no longer be reached.
func (a ApprovalConfig) Outcome(approvers []string, decisions []ApprovalDecision) ApprovalOutcome {
	eligible := make(map[string]struct{}, len(approvers))
	for _, id := range trimNonEmpty(approvers) {
		eligible[id] = struct{}{}
	}

	approvals := 0
	rejections := 0
	seen := make(map[string]struct{}, len(decisions))
	for _, d := range decisions {
		id := strings.TrimSpace(d.ApproverID)
		if _, ok := eligible[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if d.Approved {
			approvals++
		} else {
			rejections++
		}
	}

	switch a.Rule {
	case ApprovalRuleAny:
		if rejections > 0 {
			return ApprovalOutcomeRejected
		}
		if approvals >= 1 {
			return ApprovalOutcomeApproved
		}
	case ApprovalRuleAll:
		if rejections > 0 {
			return ApprovalOutcomeRejected
		}
		if len(eligible) > 0 && approvals >= len(eligible) {
			return ApprovalOutcomeApproved
		}
	case ApprovalRuleQuorum:
		if approvals >= a.Quorum {
			return ApprovalOutcomeApproved
		}
		remaining := len(eligible) - approvals - rejections
		if approvals+remaining < a.Quorum {
			return ApprovalOutcomeRejected
		}
	}
	return ApprovalOutcomePending
}
