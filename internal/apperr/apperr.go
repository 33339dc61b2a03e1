// Package apperr defines the error taxonomy shared by stages, collaborators
// and the supervisor.
//
// Stages classify their own external-call failures into one of these kinds.
// Only SecurityViolation and unclassified errors are hard failures for the
// supervisor; the rest are handled where they occur.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classification of an error.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindTransient   Kind = "transient_external"
	KindValidation  Kind = "validation"
	KindSecurity    Kind = "security_violation"
	KindQualityGate Kind = "quality_gate_exhausted"
	KindRejected    Kind = "approval_rejected"
	KindTimedOut    Kind = "approval_timed_out"
	KindCancelled   Kind = "cancelled"
)

// TransientExternalError marks a network, rate-limit or timeout failure of
// an external collaborator. It is retried with backoff.
type TransientExternalError struct {
	Op  string
	Err error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("%s: transient external error: %v", e.Op, e.Err)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientExternalError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientExternalError{Op: op, Err: err}
}

// ValidationError marks malformed structured output. Raw holds the
// unparsed text so callers can run a fallback extraction.
type ValidationError struct {
	Field string
	Raw   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SecurityViolation is fatal to the stage and never retried.
type SecurityViolation struct {
	Path   string
	Reason string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("security violation: %s (path %q)", e.Reason, e.Path)
}

// QualityGateExhausted reports that the review/fix loop used its whole
// iteration budget without reaching the threshold. It is a valid terminal
// outcome, not a crash.
type QualityGateExhausted struct {
	Score      float64
	Threshold  float64
	Iterations int
}

func (e *QualityGateExhausted) Error() string {
	return fmt.Sprintf("quality gate exhausted: score %.2f below threshold %.2f after %d iterations",
		e.Score, e.Threshold, e.Iterations)
}

// ApprovalRejected is returned when a gated action was explicitly rejected.
type ApprovalRejected struct {
	RequestID string
	Reason    string
}

func (e *ApprovalRejected) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("approval %s rejected: %s", e.RequestID, e.Reason)
	}
	return fmt.Sprintf("approval %s rejected", e.RequestID)
}

// ApprovalTimedOut is returned when no decision arrived in time.
type ApprovalTimedOut struct {
	RequestID string
}

func (e *ApprovalTimedOut) Error() string {
	return fmt.Sprintf("approval %s timed out", e.RequestID)
}

// Classify returns the kind of err, looking through wrapping.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		transient  *TransientExternalError
		validation *ValidationError
		security   *SecurityViolation
		gate       *QualityGateExhausted
		rejected   *ApprovalRejected
		timedOut   *ApprovalTimedOut
	)
	switch {
	case errors.As(err, &security):
		return KindSecurity
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &rejected):
		return KindRejected
	case errors.As(err, &timedOut):
		return KindTimedOut
	case errors.As(err, &gate):
		return KindQualityGate
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err should be retried by the backoff policy.
func IsRetryable(err error) bool {
	var transient *TransientExternalError
	if errors.As(err, &transient) {
		return !errors.Is(err, context.Canceled)
	}
	return false
}

// IsFatal reports whether err must propagate to the supervisor as a hard
// failure rather than be handled by the stage.
func IsFatal(err error) bool {
	k := Classify(err)
	return k == KindSecurity || k == KindUnknown
}
