// Package errs defines the error kinds shared by every billing component.
//
// Domain packages declare their sentinels with New so that callers can branch
// either on the exact sentinel (errors.Is(err, domain.ErrX)) or on its kind
// (errs.Is(err, errs.ErrNotFound)).
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrValidation             = errors.New("validation_error")
	ErrNotFound               = errors.New("not_found")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
	ErrGateway                = errors.New("gateway_error")
	ErrConcurrencyConflict    = errors.New("concurrency_conflict")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrInvalidSignature,
	ErrInvalidStateTransition,
	ErrGateway,
	ErrConcurrencyConflict,
}

// sentinel is a domain error with a stable code. It matches its own kind in
// errors.Is while staying distinct from other sentinels of the same kind.
type sentinel struct {
	kind error
	code string
}

func (e *sentinel) Error() string { return e.code }

func (e *sentinel) Is(target error) bool { return target == e.kind }

// New returns a sentinel error carrying code as its message, classified as
// kind.
func New(kind error, code string) error {
	return &sentinel{kind: kind, code: code}
}

// Mark tags err so it matches target, and target's kind, in
// errors.Is while keeping err's message and chain.
func Mark(err, target error) error {
	if err == nil {
		return nil
	}
	marked := errors.Mark(err, target)
	if kind := KindOf(target); kind != nil {
		marked = errors.Mark(marked, kind)
	}
	return marked
}

// Wrap annotates err with msg and marks the result with kind.
func Wrap(kind error, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}

// Is reports whether err matches target, including kind marks.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// KindOf returns the first kind err is marked with, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
