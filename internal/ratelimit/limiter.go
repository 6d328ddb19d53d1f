// Package ratelimit implements sliding-window rate limiting over a
// pluggable store, with a shared Redis backend and an in-process
// fallback for when the backend is unreachable.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store records one request against key and reports whether it fits
// inside the window. Implementations must be safe for concurrent use
// and must count atomically: under concurrency no more than limit
// requests may ever be admitted per window.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Config controls a Limiter.
type Config struct {
	Max            int           // requests per window (default 60)
	Window         time.Duration // sliding window (default 1m)
	BackendTimeout time.Duration // per-check budget for the shared store (default 500ms)
}

func (c *Config) fill() {
	if c.Max <= 0 {
		c.Max = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 500 * time.Millisecond
	}
}

// Limiter admits or denies requests. When a shared store is configured
// and fails, the limiter degrades to its in-process store rather than
// failing the request.
type Limiter struct {
	name     string // label for events and metrics, e.g. "auth"
	cfg      Config
	shared   Store // nil when running single-process
	fallback Store
	logger   *zap.Logger
}

// New creates a limiter. shared may be nil, in which case the
// in-process store is the only backend.
func New(name string, cfg Config, shared Store, logger *zap.Logger) *Limiter {
	cfg.fill()
	return &Limiter{
		name:     name,
		cfg:      cfg,
		shared:   shared,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

// Admit records one request for key and returns RateLimitExceeded when
// the window is full. Infrastructure trouble never denies the request.
func (l *Limiter) Admit(ctx context.Context, key string) error {
	d, err := l.take(ctx, key)
	if err != nil {
		// Both backends failing is vanishingly rare; fail open.
		l.logger.Error("rate limit check failed open", zap.String("limiter", l.name), zap.Error(err))
		observe.RecordRateLimitCheck(l.name, "error")
		return nil
	}
	if !d.Allowed {
		observe.RecordRateLimitCheck(l.name, "denied")
		observe.Emit(ctx, l.logger, observe.KindRateLimitDenied,
			zap.String("limiter", l.name),
			zap.Time("reset_at", d.ResetAt),
		)
		return phlowerr.Newf(phlowerr.RateLimitExceeded,
			"rate limit exceeded, retry after %s", time.Until(d.ResetAt).Round(time.Millisecond))
	}
	observe.RecordRateLimitCheck(l.name, "allowed")
	return nil
}

// Check is Admit without the error mapping, for callers that want the
// full decision.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	return l.take(ctx, key)
}

func (l *Limiter) take(ctx context.Context, key string) (Decision, error) {
	// Scope keys per limiter so limiters sharing a backend never
	// collide.
	key = l.name + ":" + key
	if l.shared == nil {
		return l.fallback.Take(ctx, key, l.cfg.Max, l.cfg.Window)
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.BackendTimeout)
	d, err := l.shared.Take(tctx, key, l.cfg.Max, l.cfg.Window)
	cancel()
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return Decision{}, ctx.Err()
	}

	observe.RecordRateLimitCheck(l.name, "degraded")
	observe.Emit(ctx, l.logger, observe.KindRateLimitDegraded,
		zap.String("limiter", l.name),
		zap.Error(err),
	)
	return l.fallback.Take(ctx, key, l.cfg.Max, l.cfg.Window)
}
