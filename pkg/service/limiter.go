package service

import (
	"time"

	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/models"
	"github.com/caseyglarkin2-png/sales-agent-sub001/pkg/storage"
	"github.com/pkg/errors"
)

const (
	ReasonRateLimited   = "rate_limited"
	ReasonQuotaExceeded = "quota_exceeded"
)

// Decision is the outcome of a reservation attempt. RetryAt is the earliest
// instant a denial can clear; a zero RetryAt means the denial never clears
// on its own.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	RetryAt time.Time `json:"retry_at,omitempty"`
}

// QuotaRule caps reservations per subject within a calendar window,
// e.g. {DailyWindow, 10} or {WeeklyWindow, 2} ("max 2 per contact per week").
type QuotaRule struct {
	Kind  models.WindowKind
	Limit int
}

// RateLimiter gates side-effecting steps behind a per-service token bucket
// and per-subject quota counters. It carries no retry policy of its own;
// callers decide whether a denial is retryable.
type RateLimiter struct {
	store  storage.Store
	rules  []QuotaRule
	logger Logger
	now    func() time.Time
}

func NewRateLimiter(store storage.Store, logger Logger, rules ...QuotaRule) *RateLimiter {
	return &RateLimiter{store: store, rules: rules, logger: logger, now: time.Now}
}

// CheckAndReserve atomically evaluates the service bucket and every quota
// rule for the subject. All checks run before any counter is mutated, and
// the mutations share one transaction, so a denial never consumes part of
// another budget.
func (l *RateLimiter) CheckAndReserve(service, subject string, cost float64) (Decision, error) {
	now := l.now()
	txStore, err := l.store.Begin()
	if err != nil {
		return Decision{}, errors.Wrap(err, "begin reservation")
	}
	denied := func(reason string, retryAt time.Time) (Decision, error) {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			l.logger.Errorf("Failed to rollback denied reservation: %v", rollbackErr)
		}
		return Decision{Reason: reason, RetryAt: retryAt}, nil
	}
	fail := func(failErr error) (Decision, error) {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			l.logger.Errorf("Failed to rollback failed reservation: %v", rollbackErr)
		}
		return Decision{}, failErr
	}

	bucket, err := txStore.GetBucket(service)
	haveBucket := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fail(errors.Wrapf(err, "get bucket %s", service))
	}

	var refilled models.RateLimitBucket
	if haveBucket {
		refilled = bucket.Refilled(now)
		if refilled.TokensAvailable < cost {
			var retryAt time.Time
			if bucket.RefillRatePerMinute > 0 {
				deficit := cost - refilled.TokensAvailable
				retryAt = now.Add(time.Duration(deficit / bucket.RefillRatePerMinute * float64(time.Minute)))
			}
			return denied(ReasonRateLimited, retryAt)
		}
	}

	// Evaluate every quota before mutating anything (all-or-nothing).
	for _, rule := range l.rules {
		windowStart := rule.Kind.WindowStart(now)
		counter, err := txStore.GetQuota(subject, rule.Kind, windowStart)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fail(errors.Wrapf(err, "get %s quota for %s", rule.Kind, subject))
		}
		if err == nil && counter.Count >= rule.Limit {
			return denied(ReasonQuotaExceeded, rule.Kind.NextWindowStart(now))
		}
	}

	if haveBucket {
		reserved := refilled
		reserved.TokensAvailable -= cost
		swapped, err := txStore.CompareAndSwapBucket(reserved, bucket.TokensAvailable)
		if err != nil {
			return fail(errors.Wrapf(err, "reserve %v tokens from %s", cost, service))
		}
		if !swapped {
			// Another worker took the tokens between our read and write.
			return denied(ReasonRateLimited, now.Add(time.Second))
		}
	}
	for _, rule := range l.rules {
		windowStart := rule.Kind.WindowStart(now)
		ok, err := txStore.IncrementQuota(subject, rule.Kind, windowStart, rule.Limit)
		if err != nil {
			return fail(errors.Wrapf(err, "increment %s quota for %s", rule.Kind, subject))
		}
		if !ok {
			return denied(ReasonQuotaExceeded, rule.Kind.NextWindowStart(now))
		}
	}

	if err := txStore.Commit(); err != nil {
		return Decision{}, errors.Wrap(err, "commit reservation")
	}
	return Decision{Allowed: true}, nil
}

// BucketStatus returns the bucket refilled to now, without mutating state.
func (l *RateLimiter) BucketStatus(service string) (models.RateLimitBucket, error) {
	bucket, err := l.store.GetBucket(service)
	if err != nil {
		return models.RateLimitBucket{}, err
	}
	return bucket.Refilled(l.now()), nil
}
