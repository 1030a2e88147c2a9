// Package errors defines the failure taxonomy shared by the capacity core.
// Every failure a component surfaces maps onto one of these classes; the
// class decides whether the caller retries, requeues, or gives up.
package errors

import (
	"errors"
	"fmt"
)

// Common error sentinels.
var (
	// ErrCapacityExhausted means no team had an open seat. It is a routing
	// outcome rather than a fault: the request becomes a waiting task.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrLockConflict means a row lock could not be obtained because a
	// concurrent reservation holds it. Callers retry a bounded number of
	// times before demoting to a waiting task.
	ErrLockConflict = errors.New("lock conflict")

	// ErrCoordinationUnavailable means the lock/counter service is not
	// reachable. Components apply their own fail-open or fail-closed policy.
	ErrCoordinationUnavailable = errors.New("coordination service unavailable")

	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("resource conflict")
)

// Class categorizes an external failure for retry purposes.
type Class int

const (
	// ClassTransient failures (network, timeout, rate limit) are retried
	// with backoff.
	ClassTransient Class = iota
	// ClassTerminal failures (permanently rejected identity) are recorded
	// and never retried.
	ClassTerminal
)

// External wraps an error from an external collaborator with its class.
type External struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *External) Error() string {
	switch e.Class {
	case ClassTerminal:
		return fmt.Sprintf("terminal external failure: %v", e.Err)
	default:
		return fmt.Sprintf("transient external failure: %v", e.Err)
	}
}

// Unwrap returns the wrapped error.
func (e *External) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable external failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &External{Class: ClassTransient, Err: err}
}

// Terminal wraps err as a non-retryable external failure.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &External{Class: ClassTerminal, Err: err}
}

// IsTransient reports whether err is a retryable external failure.
// Unclassified errors count as transient so an unknown fault is retried
// rather than silently dropped.
func IsTransient(err error) bool {
	var ext *External
	if errors.As(err, &ext) {
		return ext.Class == ClassTransient
	}
	return true
}

// IsTerminal reports whether err is a permanently failed external call.
func IsTerminal(err error) bool {
	var ext *External
	if errors.As(err, &ext) {
		return ext.Class == ClassTerminal
	}
	return false
}
