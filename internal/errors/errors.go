// Package errors defines the store error taxonomy shared by every Relay
// component. Backend-specific failures are classified into a small set of
// outcomes at the storage boundary; nothing above that boundary ever sees a
// raw SDK error.
package errors

import (
	"errors"
	"fmt"
)

// Outcome is the HTTP-style classification code attached to every operation
// result. Success values are carried on results, failure values on StoreError.
type Outcome int

const (
	OutcomeOK          Outcome = 200 // operation completed
	OutcomePartial     Outcome = 206 // list truncated by size/limit, more data exists
	OutcomeBadRequest  Outcome = 400 // malformed request
	OutcomeNotFound    Outcome = 404 // no record at the requested key
	OutcomeBadKey      Outcome = 406 // missing or empty required key
	OutcomeConflict    Outcome = 409 // optimistic-lock mismatch or create on existing key
	OutcomeInternal    Outcome = 500 // backend rejected the request or unknown failure
	OutcomeUnavailable Outcome = 503 // backend unavailable or throttled
)

// Retryable reports whether the caller may retry the operation with backoff.
// Only transient backend failures qualify; conflicts want a re-read first.
func (o Outcome) Retryable() bool {
	return o == OutcomeUnavailable
}

// String returns the conventional reason phrase for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	case OutcomeBadRequest:
		return "bad request"
	case OutcomeNotFound:
		return "not found"
	case OutcomeBadKey:
		return "bad key"
	case OutcomeConflict:
		return "conflict"
	case OutcomeInternal:
		return "internal"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StoreError is the structured error returned by every store operation.
// It carries the taxonomy outcome plus enough context to log and act on.
type StoreError struct {
	Outcome   Outcome
	Operation string // create, read, update, delete, list
	Table     string
	Key       string // "PK/SK" when known
	Message   string
	Err       error // underlying cause, never a type callers should switch on
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("store %s: %s", e.Operation, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("%s (table=%s key=%s)", msg, e.Table, e.Key)
	} else if e.Table != "" {
		msg = fmt.Sprintf("%s (table=%s)", msg, e.Table)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// WithKey returns a copy of the error annotated with the record key.
func (e *StoreError) WithKey(table, pk, sk string) *StoreError {
	dup := *e
	dup.Table = table
	dup.Key = pk + "/" + sk
	return &dup
}

// Constructors, one per taxonomy class.

// NewConflict reports an optimistic-lock mismatch or a create that found an
// existing record. Callers recover by re-reading and retrying.
func NewConflict(operation, message string, cause error) *StoreError {
	return &StoreError{Outcome: OutcomeConflict, Operation: operation, Message: message, Err: cause}
}

// NewNotFound reports that no record exists at the requested key.
func NewNotFound(operation, message string) *StoreError {
	return &StoreError{Outcome: OutcomeNotFound, Operation: operation, Message: message}
}

// NewBadKey reports a missing or empty required key. Not retried.
func NewBadKey(operation, message string) *StoreError {
	return &StoreError{Outcome: OutcomeBadKey, Operation: operation, Message: message}
}

// NewBadRequest reports a malformed request detected before any backend call.
func NewBadRequest(operation, message string) *StoreError {
	return &StoreError{Outcome: OutcomeBadRequest, Operation: operation, Message: message}
}

// NewUnavailable reports a transient backend failure, safe to retry with
// backoff.
func NewUnavailable(operation, message string, cause error) *StoreError {
	return &StoreError{Outcome: OutcomeUnavailable, Operation: operation, Message: message, Err: cause}
}

// NewInternal reports a request the backend rejected or a failure that fits
// no other class. Logged, not retried.
func NewInternal(operation, message string, cause error) *StoreError {
	return &StoreError{Outcome: OutcomeInternal, Operation: operation, Message: message, Err: cause}
}

// Type checks.

// IsConflict checks whether the error is a conflict outcome.
func IsConflict(err error) bool {
	return OutcomeOf(err) == OutcomeConflict
}

// IsNotFound checks whether the error is a not-found outcome.
func IsNotFound(err error) bool {
	return OutcomeOf(err) == OutcomeNotFound
}

// IsBadKey checks whether the error is a bad-key outcome.
func IsBadKey(err error) bool {
	return OutcomeOf(err) == OutcomeBadKey
}

// IsUnavailable checks whether the error is a transient backend outcome.
func IsUnavailable(err error) bool {
	return OutcomeOf(err) == OutcomeUnavailable
}

// IsRetryable reports whether the failed operation may be retried as-is.
func IsRetryable(err error) bool {
	return OutcomeOf(err).Retryable()
}

// OutcomeOf extracts the taxonomy outcome from any error. A nil error maps to
// OutcomeOK; an unclassified error maps to OutcomeInternal so unknown
// failures never masquerade as client mistakes.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Outcome
	}
	return OutcomeInternal
}

// Wrap annotates err with an operation and message while preserving its
// outcome. A nil err returns nil.
func Wrap(err error, operation, message string) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return &StoreError{
			Outcome:   se.Outcome,
			Operation: operation,
			Table:     se.Table,
			Key:       se.Key,
			Message:   fmt.Sprintf("%s: %s", message, se.Message),
			Err:       se.Err,
		}
	}
	return &StoreError{Outcome: OutcomeInternal, Operation: operation, Message: message, Err: err}
}
