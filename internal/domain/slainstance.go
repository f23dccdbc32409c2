package domain

import "time"

// SlaInstanceStatus tracks an armed timer. Active instances are scanned
// periodically; met and breached are terminal.
type SlaInstanceStatus string

const (
	SlaInstanceActive   SlaInstanceStatus = "active"
	SlaInstanceMet      SlaInstanceStatus = "met"
	SlaInstanceBreached SlaInstanceStatus = "breached"
)

// SlaInstance is one armed timer for a record sitting in a state. WarnedAt
// and EscalatedAt are set exactly once via atomic check-and-set so overlapping
// scans never re-fire an escalation.
type SlaInstance struct {
	ID             string
	SlaID          string
	BlueprintID    string
	RecordID       string
	StateEnteredAt time.Time
	DueAt          time.Time
	WarnAt         *time.Time
	Status         SlaInstanceStatus
	WarnedAt       *time.Time
	EscalatedAt    *time.Time
	CompletedAt    *time.Time
}

// PercentElapsed reports progress toward the deadline, capped at zero below.
func (i SlaInstance) PercentElapsed(now time.Time) float64 {
	total := i.DueAt.Sub(i.StateEnteredAt)
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(i.StateEnteredAt)
	if elapsed < 0 {
		return 0
	}
	return float64(elapsed) / float64(total) * 100
}

// Remaining reports time left until breach; negative once past due.
func (i SlaInstance) Remaining(now time.Time) time.Duration {
	return i.DueAt.Sub(now)
}

func (i SlaInstance) Breached(now time.Time) bool {
	return now.After(i.DueAt)
}
