package domain

import "time"

// RecordState is the live pointer from a (blueprint, record) pair to the
// state the record currently occupies. One row per pair, created on first
// entry into the governed field, mutated only by completed transitions.
type RecordState struct {
	BlueprintID    string
	RecordID       string
	CurrentStateID string
	StateEnteredAt time.Time
	SlaInstanceID  string
	Metadata       Metadata
}
