package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	// ErrMalformedRecord: a required field is missing or has the wrong type.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrInvalidTimestamp: an epoch value is negative or out of range.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrConstraintViolation: the store rejected a write (key, null, type).
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrLookupAmbiguous: more than one dimension row matched a lookup.
	ErrLookupAmbiguous = errors.New("lookup ambiguous")
	// ErrStoreUnavailable: connection-level failure talking to the store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// RecordError attaches the offending field and source line to a per-record
// failure. Kind is one of the sentinel errors above.
type RecordError struct {
	Kind  error
	Field string
	Line  int
	Err   error
}

func (e *RecordError) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s: field %q", msg, e.Field)
	}
	if e.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", e.Line, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is reports a match against the record's kind so errors.Is(err, ErrMalformedRecord) works.
func (e *RecordError) Is(target error) bool { return target == e.Kind }

func (e *RecordError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is one of the store-level kinds that must
// abort the current file.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrConstraintViolation) || errors.Is(err, ErrStoreUnavailable)
}

// SkipReason maps a recoverable per-record error to the summary label it is
// counted under. Unknown errors map to "other".
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, ErrLookupAmbiguous):
		return "lookup_ambiguous"
	default:
		return "other"
	}
}
