package storage

import (
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations for the orchestration core.
// Begin returns a Store bound to a transaction; Commit/Rollback close it.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(run models.WorkflowRun) error
	GetRun(id string) (models.WorkflowRun, error)
	ListRuns() ([]models.WorkflowRun, error)
	// UpdateRunStatus validates the transition table before writing and
	// stamps started_at/completed_at as appropriate.
	UpdateRunStatus(id string, status models.RunStatus) error
	// AdvanceRun persists a successful step: bumps current_step_index and
	// replaces the context. stepIndex must equal the stored index.
	AdvanceRun(id string, stepIndex int, ctx models.RunContext) error
	CancelRun(id string) error
	// ReopenRun is the operator escape hatch used by dead-letter retry: it
	// moves a FAILED run back to PENDING and clears completed_at and the
	// cancellation flag so execution can resume from current_step_index.
	ReopenRun(id string) error

	// Event operations (append-only)
	AppendEvent(e models.WorkflowEvent) error
	ListEvents(runID string) ([]models.WorkflowEvent, error)
	ListEventsByStep(stepName string, status models.EventStatus, since time.Time) ([]models.WorkflowEvent, error)

	// Task operations
	// SaveTask inserts a task; if a live task already exists for the run it
	// returns that task's id instead (run id is the enqueue idempotency key).
	SaveTask(t models.Task) (string, error)
	GetTask(id string) (models.Task, error)
	// ClaimTask atomically claims the oldest visible PENDING/RETRY task,
	// marking it STARTED and incrementing attempts. Returns ErrNotFound
	// when nothing is claimable.
	ClaimTask(now time.Time) (models.Task, error)
	UpdateTask(t models.Task) error

	// Dead-letter operations
	SaveDeadLetter(e models.DeadLetterEntry) (int64, error)
	GetDeadLetter(id int64) (models.DeadLetterEntry, error)
	ListDeadLetters(status models.DeadLetterStatus, limit, offset int) ([]models.DeadLetterEntry, error)
	UpdateDeadLetter(e models.DeadLetterEntry) error

	// Rate limit / quota operations
	GetBucket(service string) (models.RateLimitBucket, error)
	SaveBucket(b models.RateLimitBucket) error
	// CompareAndSwapBucket writes the bucket only if the stored
	// tokens_available still equals expectedTokens. Returns false when
	// another worker won the race.
	CompareAndSwapBucket(b models.RateLimitBucket, expectedTokens float64) (bool, error)
	GetQuota(subject string, kind models.WindowKind, windowStart time.Time) (models.QuotaCounter, error)
	// IncrementQuota bumps the counter for the window, creating the row if
	// absent. Returns false without mutating when the limit is reached.
	IncrementQuota(subject string, kind models.WindowKind, windowStart time.Time, limit int) (bool, error)
}
