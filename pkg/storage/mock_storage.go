package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/pkg/errors"
)

type quotaKey struct {
	subject     string
	kind        models.WindowKind
	windowStart time.Time
}

// mockStore implements Store with in-memory state for unit tests.
// Begin returns the store itself; every method is atomic under one mutex,
// which is what the Postgres implementation guarantees per statement.
type mockStore struct {
	mu          sync.Mutex
	runs        map[string]models.WorkflowRun
	events      []models.WorkflowEvent
	nextEventID int64
	tasks       []models.Task
	deadLetters []models.DeadLetterEntry
	nextDLID    int64
	buckets     map[string]models.RateLimitBucket
	quotas      map[quotaKey]models.QuotaCounter
}

func NewMockStore() Store {
	return &mockStore{
		runs:    make(map[string]models.WorkflowRun),
		buckets: make(map[string]models.RateLimitBucket),
		quotas:  make(map[quotaKey]models.QuotaCounter),
	}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveRun(run models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return errors.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = run
	return nil
}

func (m *mockStore) GetRun(id string) (models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return models.WorkflowRun{}, ErrNotFound
	}
	return run, nil
}

func (m *mockStore) ListRuns() ([]models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]models.WorkflowRun, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (m *mockStore) UpdateRunStatus(id string, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(run.Status, status) {
		return errors.Errorf("illegal run transition %s -> %s", run.Status, status)
	}
	now := time.Now()
	run.Status = status
	if status == models.RunningRunStatus && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.IsTerminal() {
		run.CompletedAt = &now
	}
	m.runs[id] = run
	return nil
}

func (m *mockStore) AdvanceRun(id string, stepIndex int, ctx models.RunContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.CurrentStepIndex != stepIndex {
		return errors.Errorf("stale step index %d for run %s (at %d)", stepIndex, id, run.CurrentStepIndex)
	}
	run.CurrentStepIndex = stepIndex + 1
	run.Context = ctx
	m.runs[id] = run
	return nil
}

func (m *mockStore) CancelRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status.IsTerminal() {
		return errors.Errorf("run %s already terminal", id)
	}
	run.Cancelled = true
	m.runs[id] = run
	return nil
}

func (m *mockStore) ReopenRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.Status != models.FailedRunStatus {
		return errors.Errorf("run %s is %s, only FAILED runs can be reopened", id, run.Status)
	}
	run.Status = models.PendingRunStatus
	run.Cancelled = false
	run.CompletedAt = nil
	m.runs[id] = run
	return nil
}

func (m *mockStore) AppendEvent(e models.WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockStore) ListEvents(runID string) ([]models.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []models.WorkflowEvent
	for _, e := range m.events {
		if e.RunID == runID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *mockStore) ListEventsByStep(stepName string, status models.EventStatus, since time.Time) ([]models.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []models.WorkflowEvent
	for _, e := range m.events {
		if e.StepName == stepName && e.Status == status && !e.CreatedAt.Before(since) {
			events = append(events, e)
		}
	}
	return events, nil
}

func (m *mockStore) SaveTask(t models.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.RunID == t.RunID && existing.Status.Live() {
			return existing.ID, nil
		}
	}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func (m *mockStore) ClaimTask(now time.Time) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claimable := -1
	for i, t := range m.tasks {
		if t.Status != models.PendingTaskStatus && t.Status != models.RetryTaskStatus {
			continue
		}
		if t.VisibleAt.After(now) {
			continue
		}
		if claimable == -1 || t.CreatedAt.Before(m.tasks[claimable].CreatedAt) {
			claimable = i
		}
	}
	if claimable == -1 {
		return models.Task{}, ErrNotFound
	}
	m.tasks[claimable].Status = models.StartedTaskStatus
	m.tasks[claimable].Attempts++
	m.tasks[claimable].UpdatedAt = now
	return m.tasks[claimable], nil
}

func (m *mockStore) UpdateTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tasks {
		if existing.ID == t.ID {
			t.UpdatedAt = time.Now()
			m.tasks[i] = t
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveDeadLetter(e models.DeadLetterEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDLID++
	e.ID = m.nextDLID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.deadLetters = append(m.deadLetters, e)
	return e.ID, nil
}

func (m *mockStore) GetDeadLetter(id int64) (models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.deadLetters {
		if e.ID == id {
			return e, nil
		}
	}
	return models.DeadLetterEntry{}, ErrNotFound
}

func (m *mockStore) ListDeadLetters(status models.DeadLetterStatus, limit, offset int) ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []models.DeadLetterEntry
	for _, e := range m.deadLetters {
		if status != "" && e.Status != status {
			continue
		}
		entries = append(entries, e)
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *mockStore) UpdateDeadLetter(e models.DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.deadLetters {
		if existing.ID == e.ID {
			m.deadLetters[i] = e
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) GetBucket(service string) (models.RateLimitBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[service]
	if !ok {
		return models.RateLimitBucket{}, ErrNotFound
	}
	return b, nil
}

func (m *mockStore) SaveBucket(b models.RateLimitBucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[b.Service] = b
	return nil
}

func (m *mockStore) CompareAndSwapBucket(b models.RateLimitBucket, expectedTokens float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.buckets[b.Service]
	if !ok || existing.TokensAvailable != expectedTokens {
		return false, nil
	}
	m.buckets[b.Service] = b
	return true, nil
}

func (m *mockStore) GetQuota(subject string, kind models.WindowKind, windowStart time.Time) (models.QuotaCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey{subject, kind, windowStart}]
	if !ok {
		return models.QuotaCounter{}, ErrNotFound
	}
	return q, nil
}

func (m *mockStore) IncrementQuota(subject string, kind models.WindowKind, windowStart time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey{subject, kind, windowStart}
	q, ok := m.quotas[key]
	if !ok {
		q = models.QuotaCounter{Subject: subject, WindowKind: kind, WindowStart: windowStart, Limit: limit}
	}
	if q.Count >= q.Limit {
		return false, nil
	}
	q.Count++
	m.quotas[key] = q
	return true, nil
}
