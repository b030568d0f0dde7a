package dose

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies errors surfaced by the dose engine
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindUndoWindowExpired Kind = "undo_window_expired"
	KindNotFound          Kind = "not_found"
	KindConfiguration     Kind = "configuration"
	KindTransientStorage  Kind = "transient_storage"
)

// Sentinel errors for errors.Is matching against *Error
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUndoWindowExpired = &Error{Kind: KindUndoWindowExpired}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrTransientStorage  = &Error{Kind: KindTransientStorage}
)

// Error is a structured engine error. Boundary carries the undo expiry for
// KindUndoWindowExpired; RelatedID carries the conflicting or missing record.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	RelatedID string
	Boundary  *time.Time
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use errors.Is(err, dose.ErrConflict).
// An undo window expiry also matches ErrConflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindConflict && e.Kind == KindUndoWindowExpired
}

// KindOf returns the kind of err, or "" if it is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func validationError(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func conflictError(op, relatedID, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Op: op, RelatedID: relatedID, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error for the given record
func NotFound(op, what, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, RelatedID: id, Message: fmt.Sprintf("%s %s not found", what, id)}
}

// TransientStorage wraps a storage failure
func TransientStorage(op string, err error) *Error {
	return &Error{Kind: KindTransientStorage, Op: op, Err: err}
}
