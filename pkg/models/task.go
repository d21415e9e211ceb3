package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus TaskStatus = "PENDING"
	StartedTaskStatus TaskStatus = "STARTED"
	SuccessTaskStatus TaskStatus = "SUCCESS"
	FailureTaskStatus TaskStatus = "FAILURE"
	RetryTaskStatus   TaskStatus = "RETRY"
)

// Task is one unit of queue work referencing a WorkflowRun. Retry
// bookkeeping (attempts, visibility) lives here, independent of
// WorkflowRun.CurrentStepIndex which tracks step progress.
type Task struct {
	ID          string     `json:"id" db:"id"`                      // Unique identifier (UUID)
	RunID       string     `json:"run_id" db:"run_id"`              // WorkflowRun this task executes
	Status      TaskStatus `json:"status" db:"status"`              // "PENDING", "STARTED", "SUCCESS", "FAILURE", "RETRY"
	Attempts    int        `json:"attempts" db:"attempts"`          // Attempts consumed so far
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`  // Retry budget before dead-lettering
	VisibleAt   time.Time  `json:"visible_at" db:"visible_at"`      // Not claimable before this instant (backoff)
	LastError   string     `json:"error,omitempty" db:"last_error"` // Last attempt's error message (optional)
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Live reports whether the task still occupies the queue (not yet acked
// or dead-lettered). At most one live task exists per run.
func (s TaskStatus) Live() bool {
	return s == PendingTaskStatus || s == StartedTaskStatus || s == RetryTaskStatus
}
