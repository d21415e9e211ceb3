package service

import (
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
)

// AuditTrail is the append-only event sink. There is deliberately no update
// or delete operation anywhere on workflow events.
type AuditTrail struct {
	store  storage.Store
	logger Logger
}

func NewAuditTrail(store storage.Store, logger Logger) *AuditTrail {
	return &AuditTrail{store: store, logger: logger}
}

// Record appends one event for a step attempt.
func (a *AuditTrail) Record(runID string, stepIndex int, stepName string, attempt int, status models.EventStatus, detail string, duration time.Duration) error {
	event := models.WorkflowEvent{
		RunID:         runID,
		StepIndex:     stepIndex,
		StepName:      stepName,
		AttemptNumber: attempt,
		Status:        status,
		Detail:        detail,
		DurationMS:    duration.Milliseconds(),
		CreatedAt:     time.Now(),
	}
	if err := a.store.AppendEvent(event); err != nil {
		a.logger.Errorf("ALERT: failed to append %s event for run %s step %d: %v", status, runID, stepIndex, err)
		return &StorageError{Op: "append event", Err: err}
	}
	return nil
}

// Query returns a run's full history ordered by created_at ascending.
func (a *AuditTrail) Query(runID string) ([]models.WorkflowEvent, error) {
	return a.store.ListEvents(runID)
}

// QueryByStep supports operational triage across runs, e.g. all "failed"
// events for step "send_email" in the last 24 hours.
func (a *AuditTrail) QueryByStep(stepName string, status models.EventStatus, since time.Time) ([]models.WorkflowEvent, error) {
	return a.store.ListEventsByStep(stepName, status, since)
}
