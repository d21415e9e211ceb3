package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// The error taxonomy the dispatcher works with. StepHandlers raise these (or
// anything else, which the classifier sorts), the Orchestrator classifies and
// persists the outcome, and the worker pool maps them to retry, dead-letter
// or fail decisions.

// TransientStepError marks a failure expected to succeed on retry
// (network blip, 5xx, temporary rate limit).
type TransientStepError struct {
	Err error
}

func (e *TransientStepError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientStepError) Unwrap() error { return e.Err }

// PermanentStepError marks a failure retrying cannot fix (bad input, 4xx,
// quota exhausted with no refill in the relevant horizon).
type PermanentStepError struct {
	Err error
}

func (e *PermanentStepError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentStepError) Unwrap() error { return e.Err }

// RetriesExhaustedError is synthesized by the worker pool when the attempt
// cap is reached on an otherwise-transient error.
type RetriesExhaustedError struct {
	RunID    string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("run %s exhausted %d attempts: %v", e.RunID, e.Attempts, e.Err)
}
func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// StorageError wraps a failure to persist state, event or dead-letter rows.
// Always fatal to the current attempt and surfaced to monitoring, never
// silently swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Transient wraps err as transient unless it already carries a classification.
func Transient(err error) error {
	if err == nil || IsTransient(err) || IsPermanent(err) {
		return err
	}
	return &TransientStepError{Err: err}
}

// Permanent wraps err as permanent unless it already is.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &PermanentStepError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientStepError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentStepError
	return errors.As(err, &p)
}

func IsRetriesExhausted(err error) bool {
	var r *RetriesExhaustedError
	return errors.As(err, &r)
}
