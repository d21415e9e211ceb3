package service

import (
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// DeadLetterService quarantines tasks that exhausted retries or failed
// permanently, and exposes the recovery operations.
type DeadLetterService struct {
	store  storage.Store
	tasks  *TaskService
	logger Logger
}

func NewDeadLetterService(store storage.Store, tasks *TaskService, logger Logger) *DeadLetterService {
	return &DeadLetterService{store: store, tasks: tasks, logger: logger}
}

// Store captures a quarantined task. Called exactly once per exhausted or
// permanently-failed task. A write failure here loses the only record of a
// failed business transaction, so it is logged as an alert and surfaced,
// never retried forever or swallowed.
func (s *DeadLetterService) Store(runID string, stepIndex int, cause error, retryCount int) (int64, error) {
	entry := models.DeadLetterEntry{
		RunID:        runID,
		StepIndex:    stepIndex,
		ErrorSummary: cause.Error(),
		RetryCount:   retryCount,
		Status:       models.FailedDeadLetterStatus,
		CreatedAt:    time.Now(),
	}
	id, err := s.store.SaveDeadLetter(entry)
	if err != nil {
		s.logger.Errorf("ALERT: failed to store dead-letter entry for run %s step %d: %v (original failure: %v)",
			runID, stepIndex, err, cause)
		return 0, &StorageError{Op: "store dead letter", Err: err}
	}
	s.logger.Infof("Dead-lettered run %s at step %d after %d attempts: %v", runID, stepIndex, retryCount, cause)
	return id, nil
}

// List returns entries filtered by status ("" for all), paginated.
func (s *DeadLetterService) List(status models.DeadLetterStatus, limit, offset int) ([]models.DeadLetterEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDeadLetters(status, limit, offset)
}

// Retry re-enqueues the entry's run. The orchestrator resumes from
// current_step_index, not from scratch. The entry transitions to
// manual_retry and is kept; a fresh entry is created if the run fails again.
func (s *DeadLetterService) Retry(entryID int64) (string, error) {
	entry, err := s.store.GetDeadLetter(entryID)
	if err != nil {
		return "", errors.Wrapf(err, "dead-letter entry %d", entryID)
	}
	if entry.Status == models.ResolvedDeadLetterStatus {
		return "", errors.Errorf("dead-letter entry %d is resolved, not retryable", entryID)
	}

	run, err := s.store.GetRun(entry.RunID)
	if err != nil {
		return "", errors.Wrapf(err, "run %s for dead-letter entry %d", entry.RunID, entryID)
	}
	if run.Status == models.FailedRunStatus {
		if err := s.store.ReopenRun(entry.RunID); err != nil {
			return "", errors.Wrapf(err, "reopen run %s", entry.RunID)
		}
	}

	taskID, err := s.tasks.Enqueue(entry.RunID)
	if err != nil {
		return "", err
	}

	entry.Status = models.ManualRetryDeadLetterStatus
	if err := s.store.UpdateDeadLetter(entry); err != nil {
		s.logger.Errorf("Failed to mark dead-letter entry %d as manual_retry: %v", entryID, err)
		return "", &StorageError{Op: "update dead letter", Err: err}
	}
	s.logger.Infof("Dead-letter entry %d retried as task %s", entryID, taskID)
	return taskID, nil
}

// Resolve is the terminal, non-retrying acknowledgment that a human decided
// the failure warrants no further action. Who and why are recorded for audit.
func (s *DeadLetterService) Resolve(entryID int64, notes, resolvedBy string) error {
	if resolvedBy == "" {
		return errors.New("resolved_by is required")
	}
	entry, err := s.store.GetDeadLetter(entryID)
	if err != nil {
		return errors.Wrapf(err, "dead-letter entry %d", entryID)
	}
	if entry.Status == models.ResolvedDeadLetterStatus {
		return errors.Errorf("dead-letter entry %d already resolved", entryID)
	}
	now := time.Now()
	entry.Status = models.ResolvedDeadLetterStatus
	entry.ResolutionNotes = notes
	entry.ResolvedBy = resolvedBy
	entry.ResolvedAt = &now
	if err := s.store.UpdateDeadLetter(entry); err != nil {
		return &StorageError{Op: "resolve dead letter", Err: err}
	}
	s.logger.Infof("Dead-letter entry %d resolved by %s", entryID, resolvedBy)
	return nil
}
