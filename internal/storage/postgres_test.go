package storage

import (
	"testing"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/internal/testutil"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func saveRun(t *testing.T, store *PostgresStore, status models.RunStatus) models.WorkflowRun {
	t.Helper()
	run := models.WorkflowRun{
		ID:           uuid.NewString(),
		WorkflowName: "outreach",
		Status:       status,
		Context:      models.RunContext{"recipient": "a@b.com"},
		CreatedAt:    time.Now().UTC(),
	}
	assert.NoError(t, store.SaveRun(run))
	return run
}

func saveTask(t *testing.T, store *PostgresStore, runID string, visibleAt time.Time) models.Task {
	t.Helper()
	now := time.Now().UTC()
	task := models.Task{
		ID:          uuid.NewString(),
		RunID:       runID,
		Status:      models.PendingTaskStatus,
		MaxAttempts: 3,
		VisibleAt:   visibleAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := store.SaveTask(task)
	assert.NoError(t, err)
	task.ID = id
	return task
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := NewPostgresStore(testDB.ConnString(t))
	assert.NoError(t, err)
	defer store.Close()

	t.Run("RunRoundTrip", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)

		got, err := store.GetRun(run.ID)
		assert.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, models.PendingRunStatus, got.Status)
		assert.Equal(t, "a@b.com", got.Context["recipient"])
		assert.Nil(t, got.StartedAt)

		_, err = store.GetRun(uuid.NewString())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)

		// PENDING cannot jump straight to SUCCEEDED.
		assert.Error(t, store.UpdateRunStatus(run.ID, models.SucceededRunStatus))

		assert.NoError(t, store.UpdateRunStatus(run.ID, models.RunningRunStatus))
		got, _ := store.GetRun(run.ID)
		assert.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)

		assert.NoError(t, store.UpdateRunStatus(run.ID, models.SucceededRunStatus))
		got, _ = store.GetRun(run.ID)
		assert.NotNil(t, got.CompletedAt)

		// Terminal statuses admit nothing.
		assert.Error(t, store.UpdateRunStatus(run.ID, models.RunningRunStatus))
	})

	t.Run("AdvanceRunGuardsStaleIndex", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)

		assert.NoError(t, store.AdvanceRun(run.ID, 0, models.RunContext{"k1": true}))
		got, _ := store.GetRun(run.ID)
		assert.Equal(t, 1, got.CurrentStepIndex)
		assert.Equal(t, true, got.Context["k1"])

		// A worker holding the old index must not double-advance.
		err := store.AdvanceRun(run.ID, 0, models.RunContext{"k1": false})
		assert.Error(t, err)
		got, _ = store.GetRun(run.ID)
		assert.Equal(t, 1, got.CurrentStepIndex)
		assert.Equal(t, true, got.Context["k1"])
	})

	t.Run("CancelAndReopen", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)

		assert.NoError(t, store.CancelRun(run.ID))
		got, _ := store.GetRun(run.ID)
		assert.True(t, got.Cancelled)

		// Only FAILED runs can be reopened.
		assert.Error(t, store.ReopenRun(run.ID))

		assert.NoError(t, store.UpdateRunStatus(run.ID, models.FailedRunStatus))
		assert.NoError(t, store.ReopenRun(run.ID))
		got, _ = store.GetRun(run.ID)
		assert.Equal(t, models.PendingRunStatus, got.Status)
		assert.False(t, got.Cancelled)
		assert.Nil(t, got.CompletedAt)

		// Cancelling a terminal run fails.
		assert.NoError(t, store.UpdateRunStatus(run.ID, models.FailedRunStatus))
		assert.Error(t, store.CancelRun(run.ID))
	})

	t.Run("TaskEnqueueIsIdempotentPerRun", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)
		now := time.Now().UTC()

		first := saveTask(t, store, run.ID, now)
		second := saveTask(t, store, run.ID, now)
		assert.Equal(t, first.ID, second.ID, "a run with a live task gets the existing task back")

		// After the task leaves the live set, a new one can be enqueued.
		first.Status = models.FailureTaskStatus
		assert.NoError(t, store.UpdateTask(first))
		third := saveTask(t, store, run.ID, now)
		assert.NotEqual(t, first.ID, third.ID)

		// Drain so later subtests start from an empty queue.
		third.Status = models.SuccessTaskStatus
		assert.NoError(t, store.UpdateTask(third))
	})

	t.Run("ClaimTaskRespectsVisibilityAndOrder", func(t *testing.T) {
		now := time.Now().UTC()
		older := saveRun(t, store, models.PendingRunStatus)
		newer := saveRun(t, store, models.PendingRunStatus)

		olderTask := models.Task{
			ID: uuid.NewString(), RunID: older.ID, Status: models.PendingTaskStatus,
			MaxAttempts: 3, VisibleAt: now.Add(-time.Minute),
			CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour),
		}
		_, err := store.SaveTask(olderTask)
		assert.NoError(t, err)
		saveTask(t, store, newer.ID, now.Add(-time.Minute))
		hiddenRun := saveRun(t, store, models.PendingRunStatus)
		saveTask(t, store, hiddenRun.ID, now.Add(time.Hour))

		claimed, err := store.ClaimTask(now)
		assert.NoError(t, err)
		assert.Equal(t, olderTask.ID, claimed.ID, "oldest visible task first")
		assert.Equal(t, models.StartedTaskStatus, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)

		second, err := store.ClaimTask(now)
		assert.NoError(t, err)
		assert.Equal(t, newer.ID, second.RunID)

		// The future-dated task stays invisible.
		_, err = store.ClaimTask(now)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// Nack with a delay, then claim again once visible.
		claimed.Status = models.RetryTaskStatus
		claimed.VisibleAt = now.Add(30 * time.Second)
		claimed.LastError = "connection reset"
		assert.NoError(t, store.UpdateTask(claimed))

		_, err = store.ClaimTask(now)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		reclaimed, err := store.ClaimTask(now.Add(time.Minute))
		assert.NoError(t, err)
		assert.Equal(t, claimed.ID, reclaimed.ID)
		assert.Equal(t, 2, reclaimed.Attempts)
		assert.Equal(t, "connection reset", reclaimed.LastError)

		// Drain so later subtests see an empty queue.
		reclaimed.Status = models.SuccessTaskStatus
		assert.NoError(t, store.UpdateTask(reclaimed))
		for {
			task, err := store.ClaimTask(now.Add(2 * time.Hour))
			if err != nil {
				break
			}
			task.Status = models.SuccessTaskStatus
			assert.NoError(t, store.UpdateTask(task))
		}
	})

	t.Run("EventsAppendAndQuery", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)
		base := time.Now().UTC().Add(-time.Minute)
		for i, status := range []models.EventStatus{
			models.SuccessEventStatus, models.RetryingEventStatus, models.SuccessEventStatus,
		} {
			assert.NoError(t, store.AppendEvent(models.WorkflowEvent{
				RunID:         run.ID,
				StepIndex:     i,
				StepName:      "step",
				AttemptNumber: 1,
				Status:        status,
				DurationMS:    12,
				CreatedAt:     base.Add(time.Duration(i) * time.Second),
			}))
		}

		events, err := store.ListEvents(run.ID)
		assert.NoError(t, err)
		assert.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, i, e.StepIndex, "events come back in append order")
		}

		retrying, err := store.ListEventsByStep("step", models.RetryingEventStatus, base)
		assert.NoError(t, err)
		assert.NotEmpty(t, retrying)
		for _, e := range retrying {
			assert.Equal(t, models.RetryingEventStatus, e.Status)
		}
	})

	t.Run("DeadLetterRoundTrip", func(t *testing.T) {
		run := saveRun(t, store, models.PendingRunStatus)
		id, err := store.SaveDeadLetter(models.DeadLetterEntry{
			RunID:        run.ID,
			StepIndex:    2,
			ErrorSummary: "hubspot 500",
			RetryCount:   3,
			Status:       models.FailedDeadLetterStatus,
			CreatedAt:    time.Now().UTC(),
		})
		assert.NoError(t, err)
		assert.NotZero(t, id)

		entry, err := store.GetDeadLetter(id)
		assert.NoError(t, err)
		assert.Equal(t, run.ID, entry.RunID)
		assert.Equal(t, "hubspot 500", entry.ErrorSummary)

		resolvedAt := time.Now().UTC()
		entry.Status = models.ResolvedDeadLetterStatus
		entry.ResolutionNotes = "known flake"
		entry.ResolvedBy = "casey"
		entry.ResolvedAt = &resolvedAt
		assert.NoError(t, store.UpdateDeadLetter(entry))

		resolved, err := store.ListDeadLetters(models.ResolvedDeadLetterStatus, 10, 0)
		assert.NoError(t, err)
		assert.NotEmpty(t, resolved)
		assert.Equal(t, "casey", resolved[0].ResolvedBy)

		_, err = store.GetDeadLetter(999999)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BucketCompareAndSwap", func(t *testing.T) {
		now := time.Now().UTC()
		assert.NoError(t, store.SaveBucket(models.RateLimitBucket{
			Service:             "gmail",
			TokensAvailable:     5,
			Capacity:            10,
			RefillRatePerMinute: 1,
			LastRefillAt:        now,
		}))

		bucket, err := store.GetBucket("gmail")
		assert.NoError(t, err)
		assert.InDelta(t, 5, bucket.TokensAvailable, 1e-9)

		bucket.TokensAvailable = 4
		swapped, err := store.CompareAndSwapBucket(bucket, 5)
		assert.NoError(t, err)
		assert.True(t, swapped)

		// A second writer holding the stale read loses.
		bucket.TokensAvailable = 3
		swapped, err = store.CompareAndSwapBucket(bucket, 5)
		assert.NoError(t, err)
		assert.False(t, swapped)

		got, _ := store.GetBucket("gmail")
		assert.InDelta(t, 4, got.TokensAvailable, 1e-9)

		_, err = store.GetBucket("no-such-service")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("QuotaIncrementStopsAtLimit", func(t *testing.T) {
		windowStart := models.DailyWindow.WindowStart(time.Now().UTC())
		subject := "quota-" + uuid.NewString()

		for i := 0; i < 2; i++ {
			ok, err := store.IncrementQuota(subject, models.DailyWindow, windowStart, 2)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := store.IncrementQuota(subject, models.DailyWindow, windowStart, 2)
		assert.NoError(t, err)
		assert.False(t, ok)

		counter, err := store.GetQuota(subject, models.DailyWindow, windowStart)
		assert.NoError(t, err)
		assert.Equal(t, 2, counter.Count)

		// Another window is a fresh counter.
		next := models.DailyWindow.NextWindowStart(time.Now().UTC())
		ok, err = store.IncrementQuota(subject, models.DailyWindow, next, 2)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TransactionCommitAndRollback", func(t *testing.T) {
		tx, err := store.Begin()
		assert.NoError(t, err)
		run := models.WorkflowRun{
			ID: uuid.NewString(), WorkflowName: "outreach",
			Status: models.PendingRunStatus, Context: models.RunContext{}, CreatedAt: time.Now().UTC(),
		}
		assert.NoError(t, tx.SaveRun(run))
		assert.NoError(t, tx.Commit())
		_, err = store.GetRun(run.ID)
		assert.NoError(t, err)

		tx, err = store.Begin()
		assert.NoError(t, err)
		rolledBack := models.WorkflowRun{
			ID: uuid.NewString(), WorkflowName: "outreach",
			Status: models.PendingRunStatus, Context: models.RunContext{}, CreatedAt: time.Now().UTC(),
		}
		assert.NoError(t, tx.SaveRun(rolledBack))
		assert.NoError(t, tx.Rollback())
		_, err = store.GetRun(rolledBack.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
