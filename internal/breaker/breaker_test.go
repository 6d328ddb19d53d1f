package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, cfg Config) *Breaker {
	t.Helper()
	return NewRegistry(zap.NewNop()).Get("test", cfg)
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(context.Background(), func(context.Context) error { return errBoom })
	}
}

func TestOpensAtExactlyThreshold(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 3, Recovery: time.Hour})

	failN(b, 2)
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("after 2 failures: state %v, want CLOSED", got)
	}

	failN(b, 1)
	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("after 3 failures: state %v, want OPEN", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 3, Recovery: time.Hour})

	failN(b, 2)
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	failN(b, 2)

	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("interleaved success should reset the count, state %v", got)
	}
}

func TestOpenFailsFast(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: time.Hour})
	failN(b, 1)

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !phlowerr.IsKind(err, phlowerr.CircuitOpen) {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
	if called {
		t.Error("operation invoked while open")
	}
}

func TestRecoveryProbeClosesOnSuccess(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: 10 * time.Millisecond})
	failN(b, 1)

	time.Sleep(20 * time.Millisecond)

	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("after probe success: state %v, want CLOSED", got)
	}
	if b.Stats().FailureCount != 0 {
		t.Error("failure count not reset on close")
	}
}

func TestProbeFailureReopensWithFreshOpenedAt(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: 10 * time.Millisecond})
	failN(b, 1)
	first := b.Stats().OpenedAt

	time.Sleep(20 * time.Millisecond)
	failN(b, 1) // probe fails

	st := b.Stats()
	if st.State != StateOpen {
		t.Fatalf("after probe failure: state %v, want OPEN", st.State)
	}
	if !st.OpenedAt.After(first) {
		t.Error("openedAt not refreshed by probe failure")
	}

	// Still inside the new cooldown: must fail fast.
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	if !phlowerr.IsKind(err, phlowerr.CircuitOpen) {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: 5 * time.Millisecond, OperationTimeout: time.Second})
	failN(b, 1)
	time.Sleep(10 * time.Millisecond)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = b.Do(context.Background(), func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	// A second call while the probe is in flight must fail fast.
	err := b.Do(context.Background(), func(context.Context) error { return nil })
	if !phlowerr.IsKind(err, phlowerr.CircuitOpen) {
		t.Fatalf("concurrent half-open call: got %v, want CircuitOpen", err)
	}

	close(probeRelease)
	wg.Wait()
	if probeErr != nil {
		t.Fatalf("probe: %v", probeErr)
	}
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("state %v, want CLOSED", got)
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: time.Hour, OperationTimeout: 10 * time.Millisecond})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !phlowerr.IsKind(err, phlowerr.OperationTimeout) {
		t.Fatalf("got %v, want OperationTimeout", err)
	}
	if got := b.Stats().State; got != StateOpen {
		t.Fatalf("timeout should trip threshold-1 breaker, state %v", got)
	}
}

func TestCancellationDoesNotCount(t *testing.T) {
	b := newTestBreaker(t, Config{FailureThreshold: 1, Recovery: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	err := b.Do(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !phlowerr.IsKind(err, phlowerr.Cancelled) {
		t.Fatalf("got %v, want Cancelled", err)
	}
	if got := b.Stats().State; got != StateClosed {
		t.Fatalf("cancellation must not count as failure, state %v", got)
	}
}

func TestRegistryReturnsExistingInstance(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	a := r.Get("registry", Config{FailureThreshold: 2})
	b := r.Get("registry", Config{FailureThreshold: 99})
	if a != b {
		t.Fatal("same name must return the same breaker")
	}
	if a.cfg.FailureThreshold != 2 {
		t.Error("configuration must be fixed on first creation")
	}

	if r.Get("didResolver", Config{}) == a {
		t.Error("distinct names must get distinct breakers")
	}
	if len(r.Stats()) != 2 {
		t.Errorf("Stats: got %d breakers, want 2", len(r.Stats()))
	}
}
