// Package usercontext carries the verified user identity supplied by
// the authentication layer, which lives outside this service.
package usercontext

import (
	"context"
	"strings"
)

// UserContextKey is the request context key for the authenticated user ID.
type UserContextKey struct{}

// WithUserID stores the user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserContextKey{}, strings.TrimSpace(userID))
}

// UserIDFromContext returns the user ID from context, if set.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	if value, ok := ctx.Value(UserContextKey{}).(string); ok && value != "" {
		return value, true
	}

	if raw, ok := ctx.Value("user_id").(string); ok {
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}
