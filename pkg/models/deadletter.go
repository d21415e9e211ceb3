package models

import "time"

type DeadLetterStatus string

const (
	FailedDeadLetterStatus      DeadLetterStatus = "failed"
	ManualRetryDeadLetterStatus DeadLetterStatus = "manual_retry"
	ResolvedDeadLetterStatus    DeadLetterStatus = "resolved"
)

// DeadLetterEntry quarantines a task that exhausted its retry budget or
// failed permanently. Entries are never deleted; a manual retry transitions
// the entry to "manual_retry" and a fresh entry is created if the re-enqueued
// task fails again.
type DeadLetterEntry struct {
	ID              int64            `json:"id" db:"id"`
	RunID           string           `json:"run_id" db:"run_id"`
	StepIndex       int              `json:"step_index" db:"step_index"`         // Step the run was on when it was quarantined
	ErrorSummary    string           `json:"error_summary" db:"error_summary"`   // Last error text, enough for blind re-enqueue triage
	RetryCount      int              `json:"retry_count" db:"retry_count"`       // Attempts consumed before quarantine
	Status          DeadLetterStatus `json:"status" db:"status"`                 // "failed", "manual_retry", "resolved"
	ResolutionNotes string           `json:"resolution_notes,omitempty" db:"resolution_notes"`
	ResolvedBy      string           `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
}
