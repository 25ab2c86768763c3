package archive

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindDuplicate
	KindConflict
	KindConsistency
	KindIO
	KindDatabase
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindConflict:
		return "conflict"
	case KindConsistency:
		return "consistency"
	case KindIO:
		return "io"
	case KindDatabase:
		return "database"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the ingestion engine. Err, when
// set, is the underlying driver or filesystem error and stays reachable
// through errors.Is and errors.As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind-only sentinels below, so callers can write
// errors.Is(err, archive.ErrDuplicate).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrDuplicate   = &Error{Kind: KindDuplicate}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrConsistency = &Error{Kind: KindConsistency}
	ErrIO          = &Error{Kind: KindIO}
	ErrDatabase    = &Error{Kind: KindDatabase}
)

// ErrNotFound is returned by Store lookups that match no row.
var ErrNotFound = errors.New("not found")

// KindOf reports the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
