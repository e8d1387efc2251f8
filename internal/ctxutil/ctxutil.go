// Package ctxutil provides shared context key accessors.
//
// server imports mcp to mount the MCP endpoint, and mcp needs the claims and
// request id that server's middleware stores. Both import ctxutil instead of
// each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kensa/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// UserID returns the authenticated subject as a user reference, or nil for
// unauthenticated contexts.
func UserID(ctx context.Context) *string {
	c := ClaimsFromContext(ctx)
	if c == nil || c.Subject == "" {
		return nil
	}
	sub := c.Subject
	return &sub
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
