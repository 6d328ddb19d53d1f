package observe

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	agentIDKey
)

// WithRequest attaches the request correlation values to ctx. They
// travel with the context and are never shared across requests.
func WithRequest(ctx context.Context, requestID, agentID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, agentIDKey, agentID)
}

// RequestID returns the request id from ctx, or "" outside a request.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// AgentID returns the peer agent id from ctx, or "" outside a request.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}
