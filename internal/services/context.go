package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	chat_errors "chatsync/pkg/errors"

	"github.com/google/uuid"
)

func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, chat_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chat_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, chat_errors.ErrForbidden), errors.Is(err, chat_errors.ErrDeleteWindowPast):
		return http.StatusForbidden
	case errors.Is(err, chat_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat_errors.ErrAlreadyExists), errors.Is(err, chat_errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, chat_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type ctxKey string

var userIDKey ctxKey = "user_id"
var sessionIDKey ctxKey = "session_id"

func WithUserSessionContext(ctx context.Context, userID, sessionID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return ctx
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}

func SessionIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(sessionIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	sessionID, ok := value.(uuid.UUID)
	return sessionID, ok
}

// Clock returns the current server time.
type Clock func() time.Time

// DefaultClock truncates to microseconds so values round-trip through Postgres unchanged.
func DefaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// after returns now, or the smallest representable instant after prev when
// the clock has not moved past it.
func after(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}
