package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the consumer's claim decision. The broker adapter maps
// retryable errors to redelivery-with-delay; fatal ones go straight to the
// dead-letter path.
var (
	// ErrAlreadyClaimed means another consumer instance holds an unfinished
	// claim for the message. Retryable: the broker should redeliver with
	// backoff instead of busy-looping here.
	ErrAlreadyClaimed = errors.New("message already claimed by another instance")

	// ErrAlreadyProcessed means the message was fully processed before; the
	// duplicate delivery is acknowledged as a no-op.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrMalformedDelivery means the delivery lacks a message id or job id.
	// Fatal for that delivery: redelivering cannot fix a malformed message.
	ErrMalformedDelivery = errors.New("malformed delivery")
)

// IsRetryable reports whether err should trigger broker redelivery rather
// than dead-lettering.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrMalformedDelivery) {
		return false
	}
	var verr *ValidationError
	return !errors.As(err, &verr)
}

// ValidationError marks a request rejected before any work was attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure, typically a transaction that
// could not commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
