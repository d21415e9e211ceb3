package service

import (
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultMaxAttempts = 3

// TaskService owns the queue side of a run: creating runs, enqueueing their
// tasks and answering status lookups. The run id acts as the enqueue
// idempotency key (at most one live task per run).
type TaskService struct {
	store       storage.Store
	logger      Logger
	maxAttempts int
}

func NewTaskService(store storage.Store, logger Logger, maxAttempts int) *TaskService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &TaskService{store: store, logger: logger, maxAttempts: maxAttempts}
}

// CreateRun persists a new pending run and its task in one transaction.
// It never blocks on step execution; workers pick the task up later.
func (ts *TaskService) CreateRun(workflowName string, initial models.RunContext) (run models.WorkflowRun, taskID string, err error) {
	if workflowName == "" {
		return models.WorkflowRun{}, "", errors.New("workflow name cannot be empty")
	}
	if len(workflowName) > 100 {
		return models.WorkflowRun{}, "", errors.New("workflow name too long (max 100 characters)")
	}
	if initial == nil {
		initial = models.RunContext{}
	}

	txStore, err := ts.store.Begin()
	if err != nil {
		return models.WorkflowRun{}, "", err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				ts.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			ts.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	run = models.WorkflowRun{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		Status:       models.PendingRunStatus,
		Context:      initial,
		CreatedAt:    now,
	}
	if err = txStore.SaveRun(run); err != nil {
		return models.WorkflowRun{}, "", err
	}
	taskID, err = ts.enqueue(txStore, run.ID, now)
	if err != nil {
		return models.WorkflowRun{}, "", err
	}
	ts.logger.Infof("Created run %s for workflow '%s' with task %s", run.ID, workflowName, taskID)
	return run, taskID, nil
}

// Enqueue creates a task for an existing run (the dead-letter retry path).
// Re-enqueueing a run that already has a live task returns that task's id.
func (ts *TaskService) Enqueue(runID string) (string, error) {
	if _, err := ts.store.GetRun(runID); err != nil {
		return "", errors.Wrapf(err, "run %s not found", runID)
	}
	taskID, err := ts.enqueue(ts.store, runID, time.Now())
	if err != nil {
		return "", err
	}
	ts.logger.Infof("Enqueued task %s for run %s", taskID, runID)
	return taskID, nil
}

func (ts *TaskService) enqueue(store storage.Store, runID string, now time.Time) (string, error) {
	task := models.Task{
		ID:          uuid.NewString(),
		RunID:       runID,
		Status:      models.PendingTaskStatus,
		MaxAttempts: ts.maxAttempts,
		VisibleAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	taskID, err := store.SaveTask(task)
	if err != nil {
		return "", errors.Wrapf(err, "enqueue task for run %s", runID)
	}
	return taskID, nil
}

// Status returns the queue-level view of a task.
func (ts *TaskService) Status(taskID string) (models.Task, error) {
	return ts.store.GetTask(taskID)
}

// Cancel flags a run for cooperative cancellation; the orchestrator checks
// the flag between steps, never mid-step.
func (ts *TaskService) Cancel(runID string) error {
	if err := ts.store.CancelRun(runID); err != nil {
		return errors.Wrapf(err, "cancel run %s", runID)
	}
	ts.logger.Infof("Run %s flagged for cancellation", runID)
	return nil
}
