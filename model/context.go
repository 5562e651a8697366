package model

import "context"

// CallContext identifies one inbound tool invocation for logging and
// tracing. It is immutable after construction.
type CallContext struct {
	Tool          string
	Transport     string
	CorrelationID string
	RequestID     string
}

type contextKey struct{}

// WithCallContext attaches a CallContext to the given context.
func WithCallContext(ctx context.Context, cc *CallContext) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// CallContextFrom extracts the CallContext from the context, or returns nil
// if not present.
func CallContextFrom(ctx context.Context) *CallContext {
	cc, _ := ctx.Value(contextKey{}).(*CallContext)
	return cc
}
