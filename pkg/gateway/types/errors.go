package types

import (
	"context"
	"errors"
	"fmt"
)

// AttemptError is a classified failure of one attempt, returned by senders.
type AttemptError struct {
	Class FailureClass
	// Status is the HTTP status code, zero when no response was received.
	Status int
	Err    error
}

func (e *AttemptError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// NewAttemptError wraps err with a failure class.
func NewAttemptError(class FailureClass, status int, err error) *AttemptError {
	return &AttemptError{Class: class, Status: status, Err: err}
}

// ClassOf maps an attempt error to its failure class. Deadline errors are timeouts and
// unclassified errors count as transport failures.
func ClassOf(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return FailureTransport
}

// Reply is what a sender got back from an indexer that answered successfully.
type Reply struct {
	Body []byte
	// BlocksBehind as reported by the indexer, -1 when absent.
	BlocksBehind int64
}
