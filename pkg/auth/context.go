package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const (
	identityKey contextKey = iota
)

// ContextWithIdentity returns a copy of ctx carrying identity. The
// authentication middleware and interceptors call this after a request
// authenticates.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity stored by [ContextWithIdentity].
// It never returns a nil identity with true.
//
//	identity, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    // not behind HTTPMiddleware
//	}
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}

// TraceIDFromContext returns the active OpenTelemetry trace id as hex.
// Used to correlate authentication log lines with traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
