package models

import "time"

type EventStatus string

const (
	SuccessEventStatus  EventStatus = "success"
	RetryingEventStatus EventStatus = "retrying"
	FailedEventStatus   EventStatus = "failed"
)

// WorkflowEvent is an immutable audit record, one per step attempt.
// Rows are append-only: no update or delete exists anywhere in the codebase,
// so a run's full history is reconstructable by run_id ordered by created_at.
type WorkflowEvent struct {
	ID            int64       `json:"id" db:"id"`                         // Auto-incremented event ID
	RunID         string      `json:"run_id" db:"run_id"`                 // Owning WorkflowRun
	StepIndex     int         `json:"step_index" db:"step_index"`         // Index of the step this attempt executed
	StepName      string      `json:"step_name" db:"step_name"`           // Handler name (e.g., "send_email")
	AttemptNumber int         `json:"attempt_number" db:"attempt_number"` // Task attempt that produced this event
	Status        EventStatus `json:"status" db:"status"`                 // "success", "retrying", "failed"
	Detail        string      `json:"detail,omitempty" db:"detail"`       // Error message or structured output
	DurationMS    int64       `json:"duration_ms" db:"duration_ms"`       // Wall-clock duration of the attempt
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}
