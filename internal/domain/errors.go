package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNoData     = errors.New("no data")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient backend failure")
	ErrIntegrity  = errors.New("integrity check failed")
	ErrConflict   = errors.New("operation already in flight")
	ErrLockHeld   = errors.New("lock already held")
)

// ErrorKind is the discriminator surfaced to API callers so they can branch on
// the class of failure rather than on message text.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindNoData     ErrorKind = "no_data"
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient_backend"
	KindIntegrity  ErrorKind = "integrity"
	KindConflict   ErrorKind = "conflict"
	KindCancelled  ErrorKind = "cancelled"
	KindInternal   ErrorKind = "internal"
)

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNoData):
		return KindNoData
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrConflict), errors.Is(err, ErrLockHeld):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Retryable reports whether err may succeed on a blind retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrValidation)
}
