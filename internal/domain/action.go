package domain

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind is the closed set of side effects a transition may run after
// its gates clear. Delivery transport (mail, webhooks) lives behind the
// action executor; the engine only sequences and records outcomes.
type ActionKind string

const (
	ActionUpdateField      ActionKind = "update_field"
	ActionCreateRecord     ActionKind = "create_record"
	ActionCreateTask       ActionKind = "create_task"
	ActionSendNotification ActionKind = "send_notification"
	ActionWebhook          ActionKind = "webhook"
	ActionAssignOwner      ActionKind = "assign_owner"
)

// Action is one ordered side effect on a transition. Optional actions may
// fail without failing the execution; a failed non-optional action marks the
// whole execution failed (later actions still run, their outcomes recorded).
type Action struct {
	ID           string
	Kind         ActionKind
	Config       Metadata
	Optional     bool
	Active       bool
	DisplayOrder int
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionUpdateField:
		if configString(a.Config, "field") == "" {
			return fmt.Errorf("update_field action needs config.field")
		}
	case ActionCreateRecord:
		if configString(a.Config, "module") == "" {
			return fmt.Errorf("create_record action needs config.module")
		}
	case ActionCreateTask, ActionSendNotification:
	case ActionWebhook:
		if configString(a.Config, "url") == "" {
			return fmt.Errorf("webhook action needs config.url")
		}
	case ActionAssignOwner:
		if configString(a.Config, "owner") == "" && configString(a.Config, "owner_field") == "" {
			return fmt.Errorf("assign_owner action needs config.owner or config.owner_field")
		}
	default:
		return fmt.Errorf("unsupported action kind %q", a.Kind)
	}
	return nil
}

// ActionResult is the recorded outcome of one action run, appended to the
// execution's result log in order. Results are never rewritten.
type ActionResult struct {
	ActionID   string     `json:"action_id"`
	Kind       ActionKind `json:"kind"`
	Status     string     `json:"status"`
	Payload    Metadata   `json:"payload,omitempty"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}

const (
	ActionResultSuccess = "success"
	ActionResultFailed  = "failed"
	ActionResultSkipped = "skipped"
)

func configString(config Metadata, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
