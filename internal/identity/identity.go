// Package identity carries the local operator on whose behalf a request runs.
package identity

import (
	"context"
	"strings"
)

// Caller is the authenticated local user. Every service call that touches
// user-owned rows takes one explicitly.
type Caller struct {
	UserID string
}

// Valid reports whether the caller names a user.
func (c Caller) Valid() bool {
	return strings.TrimSpace(c.UserID) != ""
}

type contextKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the caller stored by WithCaller.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(contextKey{}).(Caller)
	return c, ok && c.Valid()
}
