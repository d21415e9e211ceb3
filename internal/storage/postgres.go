package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveRun inserts a new workflow run.
func (s *PostgresStore) SaveRun(run models.WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, workflow_name, status, current_step_index, context, cancelled, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.WorkflowName, run.Status, run.CurrentStepIndex, run.Context, run.Cancelled,
		run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return errors.Wrapf(err, "save run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT * FROM workflow_runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT * FROM workflow_runs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus checks the transition table before writing and stamps
// started_at/completed_at from the new status.
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if !models.CanTransition(run.Status, status) {
		return errors.Errorf("illegal run transition %s -> %s", run.Status, status)
	}
	_, err = s.db.Exec(`
		UPDATE workflow_runs
		SET status = $1,
		started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		completed_at = CASE WHEN $3 IN ('SUCCEEDED', 'FAILED') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = $4`,
		// PostgreSQL treats the parameters in the CASE clauses as separate so the status is passed three times
		status, status, status, id)
	return err
}

// AdvanceRun bumps current_step_index and replaces the context, guarded by
// the expected index so a stale worker cannot double-advance.
func (s *PostgresStore) AdvanceRun(id string, stepIndex int, ctx models.RunContext) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET current_step_index = $1 + 1, context = $2
		WHERE id = $3 AND current_step_index = $1`,
		stepIndex, ctx, id)
	if err != nil {
		return errors.Wrapf(err, "advance run %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("stale step index %d for run %s", stepIndex, id)
	}
	return nil
}

func (s *PostgresStore) CancelRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET cancelled = TRUE
		WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED')`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("run %s not found or already terminal", id)
	}
	return nil
}

func (s *PostgresStore) ReopenRun(id string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET status = 'PENDING', cancelled = FALSE, completed_at = NULL
		WHERE id = $1 AND status = 'FAILED'`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("run %s is not FAILED, cannot reopen", id)
	}
	return nil
}

// AppendEvent inserts one audit row. There is intentionally no update or
// delete statement for workflow_events anywhere in this store.
func (s *PostgresStore) AppendEvent(e models.WorkflowEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_events (run_id, step_index, step_name, attempt_number, status, detail, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RunID, e.StepIndex, e.StepName, e.AttemptNumber, e.Status, e.Detail, e.DurationMS, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListEvents(runID string) ([]models.WorkflowEvent, error) {
	events := []models.WorkflowEvent{}
	err := s.db.Select(&events,
		"SELECT * FROM workflow_events WHERE run_id = $1 ORDER BY created_at ASC, id ASC", runID)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *PostgresStore) ListEventsByStep(stepName string, status models.EventStatus, since time.Time) ([]models.WorkflowEvent, error) {
	events := []models.WorkflowEvent{}
	err := s.db.Select(&events, `
		SELECT * FROM workflow_events
		WHERE step_name = $1 AND status = $2 AND created_at >= $3
		ORDER BY created_at ASC, id ASC`,
		stepName, status, since)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SaveTask inserts a task unless the run already has a live one, in which
// case the existing task's id is returned (run id as idempotency key).
func (s *PostgresStore) SaveTask(t models.Task) (string, error) {
	res, err := s.db.Exec(`
		INSERT INTO tasks (id, run_id, status, attempts, max_attempts, visible_at, last_error, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE NOT EXISTS (
			SELECT 1 FROM tasks WHERE run_id = $2 AND status IN ('PENDING', 'STARTED', 'RETRY')
		)`,
		t.ID, t.RunID, t.Status, t.Attempts, t.MaxAttempts, t.VisibleAt, t.LastError, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return "", errors.Wrapf(err, "save task for run %s", t.RunID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 1 {
		return t.ID, nil
	}
	var existingID string
	err = s.db.Get(&existingID,
		"SELECT id FROM tasks WHERE run_id = $1 AND status IN ('PENDING', 'STARTED', 'RETRY') LIMIT 1", t.RunID)
	if err != nil {
		return "", errors.Wrapf(err, "find live task for run %s", t.RunID)
	}
	return existingID, nil
}

func (s *PostgresStore) GetTask(id string) (models.Task, error) {
	var task models.Task
	err := s.db.Get(&task, "SELECT * FROM tasks WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// ClaimTask claims the oldest visible PENDING/RETRY task. SKIP LOCKED keeps
// concurrent workers from fighting over the same row.
func (s *PostgresStore) ClaimTask(now time.Time) (models.Task, error) {
	var task models.Task
	err := s.db.QueryRowx(`
		UPDATE tasks SET status = 'STARTED', attempts = attempts + 1, updated_at = $1
		WHERE id = (
			SELECT id FROM tasks
			WHERE status IN ('PENDING', 'RETRY') AND visible_at <= $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, now).StructScan(&task)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, errors.Wrap(err, "claim task")
	}
	return task, nil
}

func (s *PostgresStore) UpdateTask(t models.Task) error {
	_, err := s.db.Exec(`
		UPDATE tasks
		SET status = $1, visible_at = $2, last_error = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		t.Status, t.VisibleAt, t.LastError, t.ID)
	return err
}

func (s *PostgresStore) SaveDeadLetter(e models.DeadLetterEntry) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO dead_letter_entries (run_id, step_index, error_summary, retry_count, status, resolution_notes, resolved_by, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.RunID, e.StepIndex, e.ErrorSummary, e.RetryCount, e.Status,
		e.ResolutionNotes, e.ResolvedBy, e.CreatedAt, e.ResolvedAt).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "save dead letter for run %s", e.RunID)
	}
	return id, nil
}

func (s *PostgresStore) GetDeadLetter(id int64) (models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	err := s.db.Get(&entry, "SELECT * FROM dead_letter_entries WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.DeadLetterEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, err
	}
	return entry, nil
}

func (s *PostgresStore) ListDeadLetters(status models.DeadLetterStatus, limit, offset int) ([]models.DeadLetterEntry, error) {
	entries := []models.DeadLetterEntry{}
	var err error
	if status == "" {
		err = s.db.Select(&entries,
			"SELECT * FROM dead_letter_entries ORDER BY created_at DESC LIMIT $1 OFFSET $2", limit, offset)
	} else {
		err = s.db.Select(&entries,
			"SELECT * FROM dead_letter_entries WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
			status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) UpdateDeadLetter(e models.DeadLetterEntry) error {
	_, err := s.db.Exec(`
		UPDATE dead_letter_entries
		SET status = $1, resolution_notes = $2, resolved_by = $3, resolved_at = $4
		WHERE id = $5`,
		e.Status, e.ResolutionNotes, e.ResolvedBy, e.ResolvedAt, e.ID)
	return err
}

func (s *PostgresStore) GetBucket(service string) (models.RateLimitBucket, error) {
	var bucket models.RateLimitBucket
	err := s.db.Get(&bucket, "SELECT * FROM rate_limit_buckets WHERE service = $1", service)
	if err == sql.ErrNoRows {
		return models.RateLimitBucket{}, storage.ErrNotFound
	}
	if err != nil {
		return models.RateLimitBucket{}, err
	}
	return bucket, nil
}

func (s *PostgresStore) SaveBucket(b models.RateLimitBucket) error {
	_, err := s.db.Exec(`
		INSERT INTO rate_limit_buckets (service, tokens_available, capacity, refill_rate_per_minute, last_refill_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service) DO UPDATE
		SET tokens_available = $2, capacity = $3, refill_rate_per_minute = $4, last_refill_at = $5`,
		b.Service, b.TokensAvailable, b.Capacity, b.RefillRatePerMinute, b.LastRefillAt)
	return err
}

// CompareAndSwapBucket only writes when tokens_available still holds the
// value the caller read, so two workers cannot both take the last token.
func (s *PostgresStore) CompareAndSwapBucket(b models.RateLimitBucket, expectedTokens float64) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE rate_limit_buckets
		SET tokens_available = $1, last_refill_at = $2
		WHERE service = $3 AND tokens_available = $4`,
		b.TokensAvailable, b.LastRefillAt, b.Service, expectedTokens)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) GetQuota(subject string, kind models.WindowKind, windowStart time.Time) (models.QuotaCounter, error) {
	var counter models.QuotaCounter
	err := s.db.Get(&counter,
		"SELECT * FROM quota_counters WHERE subject = $1 AND window_kind = $2 AND window_start = $3",
		subject, kind, windowStart)
	if err == sql.ErrNoRows {
		return models.QuotaCounter{}, storage.ErrNotFound
	}
	if err != nil {
		return models.QuotaCounter{}, err
	}
	return counter, nil
}

// IncrementQuota upserts the counter for the window; the count < limit guard
// in the conflict branch makes the increment atomic under concurrency.
func (s *PostgresStore) IncrementQuota(subject string, kind models.WindowKind, windowStart time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res, err := s.db.Exec(`
		INSERT INTO quota_counters (subject, window_kind, window_start, count, quota_limit)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (subject, window_kind, window_start) DO UPDATE
		SET count = quota_counters.count + 1
		WHERE quota_counters.count < quota_counters.quota_limit`,
		subject, kind, windowStart, limit)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
