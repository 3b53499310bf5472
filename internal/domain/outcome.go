package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type FailureKind string

const (
	// FailureValidation means the claim fails business rules before any
	// network call. Never retried, never falls back.
	FailureValidation FailureKind = "validation"
	// FailureInternal covers document rendering errors and missing required
	// claim fields.
	FailureInternal FailureKind = "internal"
	// FailureTransient covers network errors, timeouts, 429 and 5xx.
	FailureTransient FailureKind = "transient"
	// FailureClientError is a 4xx from a downstream channel.
	FailureClientError FailureKind = "client_error"
	// FailureRejected is a 2xx response whose body reports an application-level rejection.
	FailureRejected FailureKind = "rejected"
	// FailureInvalidAddress is a downstream rejection of the claimant address.
	FailureInvalidAddress FailureKind = "invalid_address"
)

// Retryable reports whether failures of this kind consume retry budget.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// Failure is the single error type flowing out of documents, channels and
// the orchestrator.
type Failure struct {
	Kind   FailureKind
	Reason string
	Detail json.RawMessage
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func (f *Failure) Retryable() bool {
	return f.Kind.Retryable()
}

// Class is the value recorded as error_class in audit entries.
func (f *Failure) Class() string {
	switch f.Kind {
	case FailureValidation:
		return "ValidationError"
	case FailureInternal:
		return "InternalProcessingError"
	case FailureTransient:
		return "TransientDownstreamError"
	default:
		return "PermanentDownstreamError"
	}
}

func NewFailure(kind FailureKind, reason string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: err}
}

func ValidationError(reason string) *Failure {
	return &Failure{Kind: FailureValidation, Reason: reason}
}

// AsFailure converts any error into a Failure. Unknown errors are internal.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Kind: FailureInternal, Reason: "unexpected error", Err: err}
}

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeTransient OutcomeKind = "transient_failure"
	OutcomePermanent OutcomeKind = "permanent_failure"
)

// Outcome is the result of one channel submission.
type Outcome struct {
	Kind      OutcomeKind
	Reference string
	Failure   *Failure
}

func Succeeded(reference string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Reference: reference}
}

func Transient(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Failure: NewFailure(FailureTransient, reason, err)}
}

func Permanent(kind FailureKind, reason string, detail json.RawMessage) Outcome {
	return Outcome{Kind: OutcomePermanent, Failure: &Failure{Kind: kind, Reason: reason, Detail: detail}}
}

// OutcomeFromFailure maps a failure onto the outcome it implies.
func OutcomeFromFailure(failure *Failure) Outcome {
	if failure.Retryable() {
		return Outcome{Kind: OutcomeTransient, Failure: failure}
	}
	return Outcome{Kind: OutcomePermanent, Failure: failure}
}
