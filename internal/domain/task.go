package domain

import "time"

// Task is a follow-up work item attached to a record, created by a
// create_task action or an SLA escalation.
type Task struct {
	ID          string
	Module      string
	RecordID    string
	Subject     string
	Description string
	AssignedTo  string
	DueAt       *time.Time
	CreatedAt   time.Time
}
