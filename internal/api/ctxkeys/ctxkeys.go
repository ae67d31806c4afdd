// Package ctxkeys holds the context keys shared by the api, middleware and
// handlers packages. It is a leaf package to avoid import cycles.
package ctxkeys

import "context"

// Key is the named type for API context keys. context.Value compares type
// and value, so these never collide with plain string keys.
type Key string

const (
	// UserID is the authenticated user, injected by AuthMiddleware.
	UserID Key = "user_id"

	// Email is the address carried in the session token.
	Email Key = "email"
)

// WithValue adds a ctxkeys.Key value to the context.
func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}
