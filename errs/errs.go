// Package errs defines the error taxonomy shared by the order processing
// pipeline. Exactly three kinds of failure cross component boundaries:
// Permanent failures dead-letter their message, Transient failures release it
// for redelivery, and Fatal failures shut the process down after draining
// in-flight work.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the recovery policy attached to a classified error.
type Kind int

const (
	// KindTransient errors may succeed on a later delivery. The message is
	// released back to the broker without being deleted.
	KindTransient Kind = iota
	// KindPermanent errors will never succeed. The message is forwarded to
	// the dead-letter queue and deleted from the main queue.
	KindPermanent
	// KindFatal errors mean the process cannot usefully continue.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Sentinel errors recognized across the core.
var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	// It is a business outcome, not a transport failure, and never trips
	// the circuit breaker.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when a database connection cannot be
	// acquired within the configured timeout. It is distinguishable from a
	// query failure so the breaker can classify it correctly.
	ErrUnavailable = errors.New("database unavailable")
	// ErrCircuitOpen is returned by the breaker while it fails fast.
	ErrCircuitOpen = errors.New("circuit open")
)

// Error is a classified error carrying its Kind and, for permanent errors,
// the dead-letter reason tag.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Permanent classifies err as never-succeeding, tagged with the dead-letter
// reason that will accompany the message to the DLQ.
func Permanent(reason string, err error) error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(reason, format string, args ...interface{}) error {
	return Permanent(reason, fmt.Errorf(format, args...))
}

// Transient classifies err as retryable on a later delivery.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Fatal classifies err as unrecoverable for the whole process.
func Fatal(err error) error {
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf reports the recovery policy for err. Unclassified errors are
// transient: redelivery is the safe default under at-least-once semantics.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// ReasonOf returns the dead-letter reason tag of a permanent error, or ""
// when err carries none.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// transportError marks connection-class failures so the circuit breaker can
// distinguish them from business errors.
type transportError struct{ err error }

func (t *transportError) Error() string { return t.err.Error() }
func (t *transportError) Unwrap() error { return t.err }

// MarkTransport wraps err as a connection-class failure.
func MarkTransport(err error) error {
	if err == nil {
		return nil
	}
	return &transportError{err: err}
}

// IsTransport reports whether err is a connection-class failure: an explicit
// transport mark, a net.Error, an acquire failure, or a deadline blown while
// waiting on the database.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var t *transportError
	if errors.As(err, &t) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
