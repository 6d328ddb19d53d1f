// Package breaker implements the three-state circuit breaker that
// wraps every external dependency (registry store, DID resolver, peer
// messaging). Breakers are obtained from a named Registry; all share
// identical lifecycle semantics.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// State is the breaker lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a single breaker. Zero fields take the defaults
// below, which match the documented configuration schema.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	Recovery         time.Duration // open-state cooldown before a probe (default 60s)
	OperationTimeout time.Duration // per-call timeout (default 15s)

	// IsFailure selects which errors count toward the threshold.
	// The default counts every error except caller cancellation,
	// which is already excluded before this predicate runs.
	IsFailure func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Recovery <= 0 {
		c.Recovery = 60 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 15 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(error) bool { return true }
	}
	return c
}

// Stats is a point-in-time snapshot for the observability surface.
type Stats struct {
	Name         string
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
}

// Breaker guards a single named dependency. All state transitions are
// serialized under an internal mutex; the wrapped operation itself
// always runs with the mutex released.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	openedAt      time.Time
	probeInFlight bool
}

func newBreaker(name string, cfg Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateClosed,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
	}
}

// Do runs op through the breaker. When the breaker is open (or a
// half-open probe is already in flight) it fails fast with CircuitOpen.
// The operation runs under the configured per-operation timeout; a
// timeout counts as a failure, caller cancellation does not.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	probe, err := b.admit(ctx)
	if err != nil {
		return err
	}
	if probe {
		observe.Emit(ctx, b.logger, observe.KindBreakerHalfOpenProbe, zap.String("breaker", b.name))
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	opErr := op(opCtx)
	cancel()

	// Classify before touching breaker state. Caller-initiated
	// cancellation and caller deadlines are surfaced but never counted.
	switch {
	case opErr == nil:
		b.record(ctx, true, probe)
		return nil
	case ctx.Err() == context.Canceled:
		b.release(probe)
		return phlowerr.Wrap(phlowerr.Cancelled, b.name+" call cancelled", opErr)
	case ctx.Err() == context.DeadlineExceeded:
		b.release(probe)
		return phlowerr.Wrap(phlowerr.OperationTimeout, b.name+" caller deadline exceeded", opErr)
	case errors.Is(opErr, context.DeadlineExceeded):
		b.record(ctx, false, probe)
		return phlowerr.Wrap(phlowerr.OperationTimeout, b.name+" operation timed out", opErr)
	case b.cfg.IsFailure(opErr):
		b.record(ctx, false, probe)
		return opErr
	default:
		b.release(probe)
		return opErr
	}
}

// admit decides whether a call may proceed. The second return value is
// true when this call is the single half-open probe.
func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Recovery {
			return false, phlowerr.Newf(phlowerr.CircuitOpen, "breaker %q open", b.name)
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			return false, phlowerr.Newf(phlowerr.CircuitOpen, "breaker %q probing", b.name)
		}
		b.probeInFlight = true
		return true, nil
	}
	return false, phlowerr.Newf(phlowerr.CircuitOpen, "breaker %q in unknown state", b.name)
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(ctx context.Context, success, probe bool) {
	b.mu.Lock()
	if probe {
		b.probeInFlight = false
	}

	var transition string
	if success {
		b.successCount++
		b.failureCount = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			transition = observe.KindBreakerClosed
		}
	} else {
		b.failureCount++
		switch b.state {
		case StateClosed:
			if b.failureCount >= b.cfg.FailureThreshold {
				b.state = StateOpen
				b.openedAt = time.Now()
				transition = observe.KindBreakerOpened
			}
		case StateHalfOpen:
			b.state = StateOpen
			b.openedAt = time.Now()
			transition = observe.KindBreakerOpened
		}
	}
	state := b.state
	b.mu.Unlock()

	if transition != "" {
		observe.RecordBreakerTransition(b.name, state.String())
		observe.Emit(ctx, b.logger, transition,
			zap.String("breaker", b.name),
			zap.String("state", state.String()),
		)
	}
}

// release clears the probe slot without recording an outcome. Used for
// cancelled calls, which must not influence the state machine.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

// DoValue runs op through the breaker and returns its result.
func DoValue[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
