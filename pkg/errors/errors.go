package chat_errors

import "errors"

// Common errors
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidInput       = errors.New("invalid input")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("already exists")
)

// Sync subsystem errors
var (
	// ErrNetworkUnavailable marks a transient transport failure. Callers queue and back off.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrMalformedEvent is logged and dropped, never surfaced.
	ErrMalformedEvent    = errors.New("malformed event")
	ErrAlreadyDispatched = errors.New("send already dispatched")
	ErrStale             = errors.New("conversation is stale")
	ErrDeleteWindowPast  = errors.New("delete-for-everyone window has passed")
)

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrRateLimited)
}
