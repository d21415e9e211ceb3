package service

import (
	"context"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// DefaultQuotaHorizon bounds how long a quota denial may stay retryable: a
// denial whose RetryAt falls beyond the horizon is classified permanent.
const DefaultQuotaHorizon = 24 * time.Hour

// Classifier decides whether a step error is permanent. Everything it
// rejects is treated as transient and left to the queue's retry policy.
type Classifier func(err error) bool

// Orchestrator sequences named steps for one run, persisting per-step state
// and audit events atomically. It is stateless between invocations; any
// worker can pick up any run's retry.
type Orchestrator struct {
	store        storage.Store
	limiter      *RateLimiter
	audit        *AuditTrail
	logger       Logger
	classify     Classifier
	quotaHorizon time.Duration
	now          func() time.Time
}

type OrchestratorOption func(*Orchestrator)

// WithClassifier replaces the default permanent-error predicate.
func WithClassifier(c Classifier) OrchestratorOption {
	return func(o *Orchestrator) { o.classify = c }
}

// WithQuotaHorizon adjusts how far in the future a quota refill may be
// before a denial is treated as permanent.
func WithQuotaHorizon(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.quotaHorizon = d }
}

func NewOrchestrator(store storage.Store, limiter *RateLimiter, audit *AuditTrail, logger Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		limiter:      limiter,
		audit:        audit,
		logger:       logger,
		classify:     IsPermanent,
		quotaHorizon: DefaultQuotaHorizon,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the remaining steps of a run, resuming from
// current_step_index. Re-invoking it for a terminal run is a no-op, which is
// what makes task retries safe. attempt is the queue-level attempt number,
// recorded on every emitted event.
//
// The returned error carries the classification: permanent errors must not
// be retried by the caller; anything else failed only the in-flight attempt.
func (o *Orchestrator) Execute(ctx context.Context, runID string, attempt int, steps []StepHandler) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return &StorageError{Op: "get run", Err: err}
	}
	if run.Status.IsTerminal() {
		o.logger.Infof("Run %s already %s, nothing to do", runID, run.Status)
		return nil
	}
	if run.Status == models.PendingRunStatus {
		if err := o.store.UpdateRunStatus(runID, models.RunningRunStatus); err != nil {
			return &StorageError{Op: "mark run running", Err: err}
		}
	}

	for idx := run.CurrentStepIndex; idx < len(steps); idx++ {
		if err := ctx.Err(); err != nil {
			// Attempt timed out or the worker is shutting down; the queue
			// redelivers and we resume from the last committed step.
			return Transient(err)
		}

		// Cooperative cancellation, checked between steps only.
		fresh, err := o.store.GetRun(runID)
		if err != nil {
			return &StorageError{Op: "get run", Err: err}
		}
		if fresh.Cancelled {
			cancelErr := errors.Errorf("run %s cancelled", runID)
			if failErr := o.failRun(runID, idx, steps[idx].Name(), attempt, cancelErr, 0); failErr != nil {
				return failErr
			}
			return Permanent(cancelErr)
		}

		step := steps[idx]
		if effect := step.SideEffect(); effect != nil {
			if err := o.reserve(runID, idx, step.Name(), attempt, effect, run.Context); err != nil {
				return err
			}
		}

		stepCtx := withIdempotencyKey(ctx, IdempotencyKey(runID, idx))
		start := o.now()
		partial, stepErr := step.Handle(stepCtx, run.Context)
		duration := o.now().Sub(start)

		if stepErr != nil {
			if o.classify(stepErr) {
				if failErr := o.failRun(runID, idx, step.Name(), attempt, stepErr, duration); failErr != nil {
					return failErr
				}
				return Permanent(stepErr)
			}
			if recordErr := o.audit.Record(runID, idx, step.Name(), attempt, models.RetryingEventStatus, stepErr.Error(), duration); recordErr != nil {
				return recordErr
			}
			o.logger.Infof("Run %s step %d (%s) failed transiently on attempt %d: %v", runID, idx, step.Name(), attempt, stepErr)
			return Transient(stepErr)
		}

		merged := run.Context.Merge(partial)
		if err := o.commitStep(runID, idx, step.Name(), attempt, merged, duration); err != nil {
			return err
		}
		run.Context = merged
		run.CurrentStepIndex = idx + 1
		o.logger.Infof("Run %s completed step %d (%s)", runID, idx, step.Name())
	}

	if err := o.store.UpdateRunStatus(runID, models.SucceededRunStatus); err != nil {
		return &StorageError{Op: "mark run succeeded", Err: err}
	}
	o.logger.Infof("Run %s succeeded after %d steps", runID, len(steps))
	return nil
}

// reserve gates a side-effecting step behind the rate/quota limiter and
// translates a denial into the error taxonomy: retryable-within-horizon
// denials are transient, the rest permanent.
func (o *Orchestrator) reserve(runID string, idx int, stepName string, attempt int, effect *SideEffect, rc models.RunContext) error {
	subject, _ := rc[effect.SubjectKey].(string)
	decision, err := o.limiter.CheckAndReserve(effect.Service, subject, 1)
	if err != nil {
		return &StorageError{Op: "reserve " + effect.Service, Err: err}
	}
	if decision.Allowed {
		return nil
	}
	denialErr := errors.Errorf("%s denied for service %s subject %q", decision.Reason, effect.Service, subject)
	if decision.RetryAt.IsZero() || decision.RetryAt.After(o.now().Add(o.quotaHorizon)) {
		if failErr := o.failRun(runID, idx, stepName, attempt, denialErr, 0); failErr != nil {
			return failErr
		}
		return Permanent(denialErr)
	}
	if recordErr := o.audit.Record(runID, idx, stepName, attempt, models.RetryingEventStatus, denialErr.Error(), 0); recordErr != nil {
		return recordErr
	}
	o.logger.Infof("Run %s step %d (%s) blocked by limiter until %s", runID, idx, stepName, decision.RetryAt.Format(time.RFC3339))
	return Transient(denialErr)
}

// commitStep advances the run and appends the success event in one
// transaction: a step is never "done" in the run row without its event.
func (o *Orchestrator) commitStep(runID string, idx int, stepName string, attempt int, merged models.RunContext, duration time.Duration) (err error) {
	txStore, err := o.store.Begin()
	if err != nil {
		return &StorageError{Op: "begin step commit", Err: err}
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				o.logger.Errorf("Failed to rollback step commit: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			o.logger.Errorf("ALERT: failed to commit step %d of run %s: %v", idx, runID, commitErr)
			err = &StorageError{Op: "commit step", Err: commitErr}
		}
	}()

	if err = txStore.AdvanceRun(runID, idx, merged); err != nil {
		err = &StorageError{Op: "advance run", Err: err}
		return err
	}
	event := models.WorkflowEvent{
		RunID:         runID,
		StepIndex:     idx,
		StepName:      stepName,
		AttemptNumber: attempt,
		Status:        models.SuccessEventStatus,
		DurationMS:    duration.Milliseconds(),
		CreatedAt:     o.now(),
	}
	if err = txStore.AppendEvent(event); err != nil {
		err = &StorageError{Op: "append event", Err: err}
		return err
	}
	return nil
}

// failRun marks the run failed and appends the failed event atomically.
func (o *Orchestrator) failRun(runID string, idx int, stepName string, attempt int, cause error, duration time.Duration) (err error) {
	txStore, err := o.store.Begin()
	if err != nil {
		return &StorageError{Op: "begin run failure", Err: err}
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				o.logger.Errorf("Failed to rollback run failure: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			o.logger.Errorf("ALERT: failed to commit failure of run %s: %v", runID, commitErr)
			err = &StorageError{Op: "commit run failure", Err: commitErr}
		}
	}()

	if err = txStore.UpdateRunStatus(runID, models.FailedRunStatus); err != nil {
		err = &StorageError{Op: "mark run failed", Err: err}
		return err
	}
	event := models.WorkflowEvent{
		RunID:         runID,
		StepIndex:     idx,
		StepName:      stepName,
		AttemptNumber: attempt,
		Status:        models.FailedEventStatus,
		Detail:        cause.Error(),
		DurationMS:    duration.Milliseconds(),
		CreatedAt:     o.now(),
	}
	if err = txStore.AppendEvent(event); err != nil {
		err = &StorageError{Op: "append event", Err: err}
		return err
	}
	o.logger.Errorf("Run %s failed at step %d (%s): %v", runID, idx, stepName, cause)
	return nil
}

// FailRun is used by the worker pool when a task exhausts its retry budget:
// the run is marked failed with a terminal event at its current step.
func (o *Orchestrator) FailRun(runID string, attempt int, stepName string, cause error) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return &StorageError{Op: "get run", Err: err}
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return o.failRun(runID, run.CurrentStepIndex, stepName, attempt, cause, 0)
}
