package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"songetl/internal/domain"
)

// Error is a classified store failure. Is matches its Kind, so
// errors.Is(err, domain.ErrConstraintViolation) works through wrapping.
type Error struct {
	Kind error  // domain.ErrConstraintViolation or domain.ErrStoreUnavailable
	Op   string // e.g. "upsert song"
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error() }

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Classifier maps a driver error to domain.ErrConstraintViolation,
// domain.ErrStoreUnavailable, or nil when it does not recognise the error.
type Classifier func(err error) error

// Wrap classifies err for op. Driver-specific rules in c win; connection
// failures common to every driver are recognised afterwards. Unrecognised
// errors and context cancellation are returned wrapped but unclassified.
func Wrap(op string, err error, c Classifier) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if c != nil {
		if kind := c(err); kind != nil {
			return &Error{Kind: kind, Op: op, Err: err}
		}
	}
	if IsConnError(err) {
		return &Error{Kind: domain.ErrStoreUnavailable, Op: op, Err: err}
	}
	return &wrapped{op: op, err: err}
}

type wrapped struct {
	op  string
	err error
}

func (w *wrapped) Error() string { return w.op + ": " + w.err.Error() }

func (w *wrapped) Unwrap() error { return w.err }

// IsConnError reports driver-independent connection failures.
func IsConnError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
