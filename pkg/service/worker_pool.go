package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// default wall-clock limit per task attempt
	DefaultTaskTimeout = 60 * time.Second
	// default queue polling interval
	DefaultPollInterval = time.Second
)

// WorkerPool pulls tasks from the durable queue and drives the Orchestrator.
// Tasks are acknowledged only after Execute returns success or a classified
// permanent failure; transient failures are nacked with a backoff delay so
// the queue redelivers later (at-least-once, no tight retry loops).
type WorkerPool struct {
	store        storage.Store
	registry     *Registry
	orchestrator *Orchestrator
	deadLetters  *DeadLetterService
	logger       Logger
	backoff      Backoff
	taskTimeout  time.Duration
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type WorkerPoolOption func(*WorkerPool)

func WithBackoff(b Backoff) WorkerPoolOption {
	return func(wp *WorkerPool) { wp.backoff = b }
}

// WithTaskTimeout sets the hard wall-clock limit per task invocation.
// Exceeding it is a transient failure; the in-progress step may have
// partially committed, which step idempotency covers.
func WithTaskTimeout(d time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) { wp.taskTimeout = d }
}

func WithPollInterval(d time.Duration) WorkerPoolOption {
	return func(wp *WorkerPool) { wp.pollInterval = d }
}

func NewWorkerPool(
	mainCtx context.Context,
	store storage.Store,
	registry *Registry,
	orchestrator *Orchestrator,
	deadLetters *DeadLetterService,
	logger Logger,
	opts ...WorkerPoolOption,
) *WorkerPool {
	ctx, cancel := context.WithCancel(mainCtx)
	wp := &WorkerPool{
		store:        store,
		registry:     registry,
		orchestrator: orchestrator,
		deadLetters:  deadLetters,
		logger:       logger,
		backoff:      DefaultBackoff,
		taskTimeout:  DefaultTaskTimeout,
		pollInterval: DefaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(wp)
	}
	return wp
}

// Start begins the worker pool with the specified number of workers.
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	wp.logger.Infof("Worker pool started with %d workers", workers)
}

// Stop gracefully stops the worker pool, waiting for in-flight tasks.
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Infof("Worker pool stopped")
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			for {
				task, err := wp.store.ClaimTask(time.Now())
				if errors.Is(err, storage.ErrNotFound) {
					break
				}
				if err != nil {
					wp.logger.Errorf("Failed to claim task: %v", err)
					break
				}
				wp.processTask(task)
				if wp.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) processTask(task models.Task) {
	run, err := wp.store.GetRun(task.RunID)
	if err != nil {
		wp.logger.Errorf("Failed to load run %s for task %s: %v", task.RunID, task.ID, err)
		wp.nack(task, &StorageError{Op: "get run", Err: err})
		return
	}

	steps, err := wp.registry.Steps(run.WorkflowName)
	if err != nil {
		// No handler can ever serve this run; retrying is pointless.
		wp.quarantine(task, run.CurrentStepIndex, run.WorkflowName, Permanent(err))
		return
	}

	attemptCtx, cancel := context.WithTimeout(wp.ctx, wp.taskTimeout)
	execErr := wp.orchestrator.Execute(attemptCtx, task.RunID, task.Attempts, steps)
	cancel()

	if execErr == nil {
		wp.ack(task)
		return
	}
	if IsPermanent(execErr) {
		// The orchestrator already marked the run failed.
		wp.quarantine(task, stepIndexOf(wp.store, task.RunID), stepNameAt(steps, wp.store, task.RunID), execErr)
		return
	}
	wp.nack(task, execErr)
}

// ack removes the task from the live queue as succeeded.
func (wp *WorkerPool) ack(task models.Task) {
	task.Status = models.SuccessTaskStatus
	task.LastError = ""
	if err := wp.store.UpdateTask(task); err != nil {
		wp.logger.Errorf("ALERT: failed to ack task %s: %v", task.ID, err)
	}
}

// nack applies the retry policy to a transient failure: redeliver with
// backoff while budget remains, otherwise dead-letter exactly once.
func (wp *WorkerPool) nack(task models.Task, cause error) {
	if task.Attempts >= task.MaxAttempts {
		exhausted := &RetriesExhaustedError{RunID: task.RunID, Attempts: task.Attempts, Err: cause}
		run, err := wp.store.GetRun(task.RunID)
		stepIndex := 0
		stepName := "unknown"
		if err == nil {
			stepIndex = run.CurrentStepIndex
			if steps, stepsErr := wp.registry.Steps(run.WorkflowName); stepsErr == nil && stepIndex < len(steps) {
				stepName = steps[stepIndex].Name()
			}
		}
		if failErr := wp.orchestrator.FailRun(task.RunID, task.Attempts, stepName, exhausted); failErr != nil {
			wp.logger.Errorf("ALERT: failed to mark run %s failed after exhausting retries: %v", task.RunID, failErr)
		}
		wp.quarantine(task, stepIndex, stepName, exhausted)
		return
	}

	delay := wp.backoff.Delay(task.Attempts)
	task.Status = models.RetryTaskStatus
	task.VisibleAt = time.Now().Add(delay)
	task.LastError = cause.Error()
	if err := wp.store.UpdateTask(task); err != nil {
		wp.logger.Errorf("ALERT: failed to schedule retry of task %s: %v", task.ID, err)
		return
	}
	wp.logger.Infof("Task %s attempt %d/%d failed, redelivering in %s: %v",
		task.ID, task.Attempts, task.MaxAttempts, delay.Round(time.Second), cause)
}

// quarantine hands the task to the dead-letter store and acknowledges it so
// it leaves the live queue.
func (wp *WorkerPool) quarantine(task models.Task, stepIndex int, stepName string, cause error) {
	if _, err := wp.deadLetters.Store(task.RunID, stepIndex, cause, task.Attempts); err != nil {
		// Already alerted inside the dead-letter service; the task is still
		// failed below so it cannot spin forever.
		wp.logger.Errorf("Dead-letter store failed for task %s at step %s: %v", task.ID, stepName, err)
	}
	task.Status = models.FailureTaskStatus
	task.LastError = cause.Error()
	if err := wp.store.UpdateTask(task); err != nil {
		wp.logger.Errorf("ALERT: failed to ack dead-lettered task %s: %v", task.ID, err)
	}
}

func stepIndexOf(store storage.Store, runID string) int {
	run, err := store.GetRun(runID)
	if err != nil {
		return 0
	}
	return run.CurrentStepIndex
}

func stepNameAt(steps []StepHandler, store storage.Store, runID string) string {
	idx := stepIndexOf(store, runID)
	if idx >= 0 && idx < len(steps) {
		return steps[idx].Name()
	}
	return "unknown"
}
