package saga

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrSagaNotFound      = errors.New("saga not found")
	ErrSagaAlreadyExists = errors.New("saga already exists")
	ErrIllegalTransition = errors.New("illegal saga state transition")
	ErrDefinitionExists  = errors.New("saga definition already registered")
	ErrUnknownSagaType   = errors.New("unknown saga type")
)

// FailureKind classifies a participant-raised step failure
type FailureKind string

const (
	FailureInsufficientStock  FailureKind = "InsufficientStock"
	FailurePayment            FailureKind = "PaymentFailure"
	FailureNetworkTimeout     FailureKind = "NetworkTimeout"
	FailureDatabase           FailureKind = "DatabaseFailure"
	FailureServiceUnavailable FailureKind = "ServiceUnavailable"
)

// ValidationError reports a malformed request. No saga is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a request field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StepFailureError is a typed, participant-raised step failure. It triggers
// compensation of all previously completed steps.
type StepFailureError struct {
	Kind    FailureKind
	Message string
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewStepFailure creates a step failure of the given kind
func NewStepFailure(kind FailureKind, format string, args ...interface{}) *StepFailureError {
	return &StepFailureError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FailureKindOf extracts the failure kind from an error chain, or "" if the
// error is not a StepFailureError
func FailureKindOf(err error) FailureKind {
	var sf *StepFailureError
	if errors.As(err, &sf) {
		return sf.Kind
	}
	return ""
}

// IllegalTransitionError carries the rejected edge. It signals a bug and is
// surfaced to observability with full context.
type IllegalTransitionError struct {
	SagaType  Type
	FromState State
	ToState   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s → %s for %s", e.FromState, e.ToState, e.SagaType)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// NewIllegalTransitionError creates an illegal transition error
func NewIllegalTransitionError(t Type, from, to State) *IllegalTransitionError {
	return &IllegalTransitionError{SagaType: t, FromState: from, ToState: to}
}

// StoreError wraps a state store failure. Transient errors are retried with
// backoff; fatal errors mark the saga Failed without further attempts.
type StoreError struct {
	Err       error
	Transient bool
}

func (e *StoreError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient store error: %v", e.Err)
	}
	return fmt.Sprintf("fatal store error: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewTransientStoreError marks a store failure as retryable
func NewTransientStoreError(err error) *StoreError {
	return &StoreError{Err: err, Transient: true}
}

// NewFatalStoreError marks a store failure as non-retryable
func NewFatalStoreError(err error) *StoreError {
	return &StoreError{Err: err, Transient: false}
}

// IsTransientStoreError reports whether err is a retryable store failure
func IsTransientStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Transient
}
