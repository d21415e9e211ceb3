package models

import "time"

// RateLimitBucket is a token bucket for one external service (e.g. "gmail").
// State lives in the shared datastore so it survives restarts and is
// consistent across worker processes.
type RateLimitBucket struct {
	Service             string    `json:"service" db:"service"`
	TokensAvailable     float64   `json:"tokens_available" db:"tokens_available"` // Invariant: 0 <= tokens <= capacity
	Capacity            float64   `json:"capacity" db:"capacity"`
	RefillRatePerMinute float64   `json:"refill_rate" db:"refill_rate_per_minute"`
	LastRefillAt        time.Time `json:"last_refill_at" db:"last_refill_at"`
}

// Refilled returns the bucket with tokens topped up for the elapsed time
// since the last refill, capped at capacity. Pure function of elapsed time.
func (b RateLimitBucket) Refilled(now time.Time) RateLimitBucket {
	if !now.After(b.LastRefillAt) {
		return b
	}
	elapsed := now.Sub(b.LastRefillAt).Minutes()
	b.TokensAvailable = min(b.Capacity, b.TokensAvailable+elapsed*b.RefillRatePerMinute)
	b.LastRefillAt = now
	return b
}

// Utilization reports the consumed fraction of capacity in [0,1].
func (b RateLimitBucket) Utilization() float64 {
	if b.Capacity <= 0 {
		return 0
	}
	return (b.Capacity - b.TokensAvailable) / b.Capacity
}

type WindowKind string

const (
	DailyWindow  WindowKind = "daily"
	WeeklyWindow WindowKind = "weekly"
)

// WindowStart truncates now to the start of the kind's current UTC window.
func (k WindowKind) WindowStart(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if k == WeeklyWindow {
		// ISO week: Monday is day 0.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return day
}

// NextWindowStart is the instant the current window's counter logically resets.
func (k WindowKind) NextWindowStart(now time.Time) time.Time {
	start := k.WindowStart(now)
	if k == WeeklyWindow {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 0, 1)
}

// QuotaCounter caps actions per subject (e.g. a recipient address) within a
// calendar window. Counters reset via a new window_start row, never by
// decrementing.
type QuotaCounter struct {
	Subject     string     `json:"subject" db:"subject"`
	WindowKind  WindowKind `json:"window_kind" db:"window_kind"`
	WindowStart time.Time  `json:"window_start" db:"window_start"`
	Count       int        `json:"count" db:"count"` // Invariant: count <= limit while the window is live
	Limit       int        `json:"limit" db:"quota_limit"`
}
