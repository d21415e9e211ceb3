package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	SucceededRunStatus RunStatus = "SUCCEEDED"
	FailedRunStatus    RunStatus = "FAILED"
)

// runTransitions is the validated transition table for WorkflowRun.Status.
// Terminal statuses have no outgoing transitions.
var runTransitions = map[RunStatus][]RunStatus{
	PendingRunStatus:   {RunningRunStatus, FailedRunStatus},
	RunningRunStatus:   {SucceededRunStatus, FailedRunStatus},
	SucceededRunStatus: {},
	FailedRunStatus:    {},
}

// CanTransition reports whether moving a run from one status to another is legal.
func CanTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == SucceededRunStatus || s == FailedRunStatus
}

// WorkflowRun represents one execution of a named workflow definition.
// The ID doubles as the idempotency key for enqueueing its task.
type WorkflowRun struct {
	ID               string     `json:"id" db:"id"`                               // Opaque globally-unique identifier (UUID)
	WorkflowName     string     `json:"workflow_name" db:"workflow_name"`         // Registered workflow definition name
	Status           RunStatus  `json:"status" db:"status"`                       // "PENDING", "RUNNING", "SUCCEEDED", "FAILED"
	CurrentStepIndex int        `json:"current_step_index" db:"current_step_index"` // Index of the next step to execute; only ever increases
	Context          RunContext `json:"context" db:"context"`                     // Key/value payload carried between steps
	Cancelled        bool       `json:"cancelled" db:"cancelled"`                 // Cooperative cancellation flag, checked between steps
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" db:"started_at"`     // Nullable; set when a worker first picks the run up
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"` // Nullable; set on terminal transition
}
