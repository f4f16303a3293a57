// Package contextkeys holds the request context keys shared between
// middleware and handlers, so no two packages invent colliding keys.
package contextkeys

import "context"

// Key is the private context key type.
type Key string

const (
	// UserIDKey carries the authenticated account id, set by the auth
	// middleware and read by the rate limiter for per-author keying.
	UserIDKey Key = "user_id"

	// RequestIDKey carries the tracing id assigned by the logging
	// middleware.
	RequestIDKey Key = "request_id"
)

// WithUserID attaches the authenticated account id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the authenticated account id, or "" when anonymous.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithRequestID attaches the tracing id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID returns the tracing id, or "" when unset.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
