// Package actionexec runs the side effects configured on transitions and SLA
// escalations: field writes, record and task creation, notifications, and
// webhooks. Every run produces an ActionResult; the executor never panics the
// engine loop.
package actionexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaycrm/relay-go/internal/condition"
	"github.com/relaycrm/relay-go/internal/domain"
	"github.com/relaycrm/relay-go/internal/engine"
)

// Records is the mutation surface actions need on CRM storage.
type Records interface {
	UpdateField(ctx context.Context, module, recordID, field string, value any) error
	CreateRecord(ctx context.Context, module string, fields domain.FieldMap) (string, error)
	CreateTask(ctx context.Context, task domain.Task) (string, error)
}

// Notifier delivers in-app or email notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, subject, body string) error
}

type Executor struct {
	records  Records
	notifier Notifier
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

func New(records Records, notifier Notifier, client *http.Client, logger *slog.Logger) (*Executor, error) {
	if records == nil {
		return nil, errors.New("records is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		records:  records,
		notifier: notifier,
		client:   client,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Execute runs one action and reports the outcome. Errors are captured in the
// result; the engine decides whether a failure is fatal for the execution.
func (x *Executor) Execute(ctx context.Context, action domain.Action, input engine.ActionInput) domain.ActionResult {
	result := domain.ActionResult{
		ActionID:   action.ID,
		Kind:       action.Kind,
		Status:     domain.ActionResultSuccess,
		ExecutedAt: x.now().UTC(),
	}

	payload, err := x.run(ctx, action, input)
	if err != nil {
		result.Status = domain.ActionResultFailed
		result.Error = err.Error()
		x.logger.Warn("action failed",
			"kind", string(action.Kind),
			"action_id", action.ID,
			"record_id", input.Execution.RecordID,
			"error", err.Error(),
		)
		return result
	}
	result.Payload = payload
	return result
}

func (x *Executor) run(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	switch action.Kind {
	case domain.ActionUpdateField:
		return x.updateField(ctx, action, input)
	case domain.ActionAssignOwner:
		return x.assignOwner(ctx, action, input)
	case domain.ActionCreateRecord:
		return x.createRecord(ctx, action, input)
	case domain.ActionCreateTask:
		return x.createTask(ctx, action, input)
	case domain.ActionSendNotification:
		return x.sendNotification(ctx, action, input)
	case domain.ActionWebhook:
		return x.webhook(ctx, action, input)
	default:
		return nil, fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

func (x *Executor) updateField(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	field := configString(action.Config, "field")
	if field == "" {
		return nil, errors.New("update_field needs config.field")
	}
	value := resolveValue(action.Config["value"], input.Record)
	if err := x.records.UpdateField(ctx, input.Blueprint.Module, input.Execution.RecordID, field, value); err != nil {
		return nil, err
	}
	return domain.Metadata{"field": field, "value": value}, nil
}

func (x *Executor) assignOwner(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	owner := configString(action.Config, "owner")
	if owner == "" {
		ownerField := configString(action.Config, "owner_field")
		if ownerField == "" {
			return nil, errors.New("assign_owner needs config.owner or config.owner_field")
		}
		value, ok := condition.Resolve(input.Record, ownerField)
		if !ok {
			return nil, fmt.Errorf("owner field %q is empty", ownerField)
		}
		owner = strings.TrimSpace(fmt.Sprint(value))
	}
	if owner == "" {
		return nil, errors.New("resolved owner is empty")
	}
	if err := x.records.UpdateField(ctx, input.Blueprint.Module, input.Execution.RecordID, "owner_id", owner); err != nil {
		return nil, err
	}
	return domain.Metadata{"owner_id": owner}, nil
}

func (x *Executor) createRecord(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	module := configString(action.Config, "module")
	if module == "" {
		return nil, errors.New("create_record needs config.module")
	}
	fields := domain.FieldMap{}
	if raw, ok := action.Config["fields"].(map[string]any); ok {
		for key, value := range raw {
			fields[key] = resolveValue(value, input.Record)
		}
	}
	id, err := x.records.CreateRecord(ctx, module, fields)
	if err != nil {
		return nil, err
	}
	return domain.Metadata{"module": module, "record_id": id}, nil
}

func (x *Executor) createTask(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	subject := ResolveTemplate(configString(action.Config, "subject"), input.Record)
	if strings.TrimSpace(subject) == "" {
		subject = fmt.Sprintf("Follow up on %s", input.Execution.RecordID)
	}
	task := domain.Task{
		Module:      input.Blueprint.Module,
		RecordID:    input.Execution.RecordID,
		Subject:     subject,
		Description: ResolveTemplate(configString(action.Config, "description"), input.Record),
		AssignedTo:  ResolveTemplate(configString(action.Config, "assigned_to"), input.Record),
	}
	if days := configInt(action.Config, "due_in_days"); days > 0 {
		due := x.now().UTC().Add(time.Duration(days) * 24 * time.Hour)
		task.DueAt = &due
	}
	id, err := x.records.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return domain.Metadata{"task_id": id}, nil
}

func (x *Executor) sendNotification(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	if x.notifier == nil {
		return nil, errors.New("no notifier configured")
	}
	to := ResolveTemplate(configString(action.Config, "to"), input.Record)
	if strings.TrimSpace(to) == "" {
		return nil, errors.New("send_notification resolved an empty recipient")
	}
	subject := ResolveTemplate(configString(action.Config, "subject"), input.Record)
	body := ResolveTemplate(configString(action.Config, "message"), input.Record)
	if err := x.notifier.Notify(ctx, to, subject, body); err != nil {
		return nil, err
	}
	return domain.Metadata{"to": to}, nil
}

func (x *Executor) webhook(ctx context.Context, action domain.Action, input engine.ActionInput) (domain.Metadata, error) {
	url := configString(action.Config, "url")
	if url == "" {
		return nil, errors.New("webhook needs config.url")
	}
	method := strings.ToUpper(configString(action.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body := map[string]any{
		"event":         "blueprint.transition",
		"blueprint_id":  input.Blueprint.ID,
		"module":        input.Blueprint.Module,
		"record_id":     input.Execution.RecordID,
		"transition_id": input.Execution.TransitionID,
		"executed_by":   input.Actor,
		"record":        input.Record,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range configStringMap(action.Config, "headers") {
		req.Header.Set(key, ResolveTemplate(value, input.Record))
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return domain.Metadata{"url": url, "status": resp.StatusCode}, nil
}

func configString(config domain.Metadata, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func configInt(config domain.Metadata, key string) int {
	if config == nil {
		return 0
	}
	switch typed := config[key].(type) {
	case int:
		return typed
	case float64:
		return int(typed)
	default:
		return 0
	}
}

func configStringMap(config domain.Metadata, key string) map[string]string {
	out := map[string]string{}
	if config == nil {
		return out
	}
	raw, ok := config[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
