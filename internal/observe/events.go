// Package observe is the process-wide observability surface: a
// structured event stream (zap), Prometheus counters and histograms,
// and the per-request correlation context.
//
// The surface is push-only. Emit never blocks and never fails the
// caller; an emission panic is swallowed and counted.
package observe

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event kinds form a closed set.
const (
	KindAuthSuccess          = "auth_success"
	KindAuthFailure          = "auth_failure"
	KindRateLimitDenied      = "rate_limit_denied"
	KindRateLimitDegraded    = "rate_limit_backend_degraded"
	KindBreakerOpened        = "breaker_opened"
	KindBreakerClosed        = "breaker_closed"
	KindBreakerHalfOpenProbe = "breaker_halfopen_probe"
	KindRoleVerified         = "role_verified"
	KindDIDResolve           = "did_resolve"
)

var emitFailures atomic.Int64

// Emit writes a structured event to the logger, stamped with the
// request-correlation slot from ctx.
func Emit(ctx context.Context, logger *zap.Logger, kind string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			emitFailures.Add(1)
			eventEmitFailures.Inc()
		}
	}()

	all := make([]zap.Field, 0, len(fields)+2)
	if rid := RequestID(ctx); rid != "" {
		all = append(all, zap.String("request_id", rid))
	}
	if aid := AgentID(ctx); aid != "" {
		all = append(all, zap.String("agent_id", aid))
	}
	all = append(all, fields...)
	logger.Info(kind, all...)
}

// EmitFailures returns the number of swallowed emission failures.
func EmitFailures() int64 { return emitFailures.Load() }
