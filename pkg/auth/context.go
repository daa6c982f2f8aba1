package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
// Using a distinct type prevents collisions with keys from other packages.
type contextKey int

const (
	// claimsKey stores the request's verified *ClaimSet.
	claimsKey contextKey = iota
)

// ContextWithClaims returns a new context carrying claims. The gateway's
// authentication stage is the only production caller.
func ContextWithClaims(ctx context.Context, claims *ClaimSet) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the verified claims attached to ctx.
// This function never returns a non-nil ClaimSet with false.
//
// Example:
//
//	claims, ok := auth.ClaimsFromContext(r.Context())
//	if ok && claims.Tenant.HasNetwork() {
//	    scope = claims.Tenant.NetworkID
//	}
func ClaimsFromContext(ctx context.Context) (*ClaimSet, bool) {
	claims, ok := ctx.Value(claimsKey).(*ClaimSet)
	if !ok || claims == nil {
		return nil, false
	}
	return claims, true
}

// MustClaimsFromContext returns the claims attached to ctx and panics if
// there are none. Missing claims after the authentication stage mean the
// route was wired without it.
func MustClaimsFromContext(ctx context.Context) *ClaimSet {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		panic("auth: no claims in context; ensure the authentication stage runs before this one")
	}
	return claims
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
