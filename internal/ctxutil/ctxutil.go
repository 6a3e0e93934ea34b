// Package ctxutil provides shared context key accessors.
//
// The HTTP auth middleware stores claims here and both the server handlers
// and the MCP server read them back, so neither package imports the other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/tsunagi/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyProjectID contextKey = "project_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyProjectID, claims.ProjectID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithProjectID stores a project id without claims, for unauthenticated
// deployments where the project comes from the request path.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, keyProjectID, projectID)
}

// ProjectIDFromContext extracts the project id from the context.
func ProjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyProjectID).(string)
	return v
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}
