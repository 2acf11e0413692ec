package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrConnection indicates transport loss or an unreachable backend.
	// Transient: callers may retry with backoff at the adapter boundary.
	ErrConnection = errors.New("connection error")

	// ErrConstraint indicates a uniqueness or foreign-key violation.
	// Not retried; surfaced to the caller as a data error.
	ErrConstraint = errors.New("constraint violation")

	// ErrStatement indicates malformed SQL after rewrite. Fatal: this is a
	// programming bug, not a runtime condition.
	ErrStatement = errors.New("statement error")
)

// classifiedError attaches a taxonomy sentinel to a driver error so callers
// can match the class with errors.Is while keeping the original cause.
type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// Classify maps a driver error onto the adapter taxonomy. Errors that do not
// belong to any class (including context cancellation) pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if kind := classifyKind(err); kind != nil {
		return &classifiedError{kind: kind, cause: err}
	}
	return err
}

func classifyKind(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			// connection exception, insufficient resources, operator
			// intervention, system error
			return ErrConnection
		case "23":
			return ErrConstraint
		case "26", "42":
			return ErrStatement
		}
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return ErrConnection
		case sqlite3.ErrConstraint:
			return ErrConstraint
		case sqlite3.ErrError, sqlite3.ErrRange, sqlite3.ErrMisuse:
			return ErrStatement
		}
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnection
	}

	return nil
}

// IsRetryable reports whether the error is a transient connection failure
// that may be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection)
}
