package registry_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
	"github.com/phlow-auth/phlow-go/pkg/registry"
)

func testCard(t *testing.T, agentID string) *agentcard.AgentCard {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	return &agentcard.AgentCard{
		AgentID:   agentID,
		Name:      agentID,
		PublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}
}

// failingStore wraps a MemoryStore and fails every call while broken
// is set, counting invocations.
type failingStore struct {
	*registry.MemoryStore
	broken atomic.Bool
	calls  atomic.Int64
}

func (s *failingStore) GetAgentCard(ctx context.Context, agentID string) (*agentcard.AgentCard, error) {
	s.calls.Add(1)
	if s.broken.Load() {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStore.GetAgentCard(ctx, agentID)
}

func newClient(t *testing.T, store registry.Store, cfg breaker.Config) *registry.Client {
	t.Helper()
	return registry.NewClient(store, breaker.NewRegistry(zap.NewNop()), cfg, zap.NewNop())
}

func TestGetAgentCardNotFoundIsNil(t *testing.T) {
	client := newClient(t, registry.NewMemoryStore(), breaker.Config{})

	card, err := client.GetAgentCard(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("not-found must not error: %v", err)
	}
	if card != nil {
		t.Fatalf("card: got %+v, want nil", card)
	}
}

func TestGetAgentCardFound(t *testing.T) {
	store := registry.NewMemoryStore()
	store.PutAgentCard(testCard(t, "bob"))
	client := newClient(t, store, breaker.Config{})

	card, err := client.GetAgentCard(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if card == nil || card.AgentID != "bob" {
		t.Fatalf("card: got %+v", card)
	}
}

func TestStoreFailureMapsToRegistryUnavailable(t *testing.T) {
	store := &failingStore{MemoryStore: registry.NewMemoryStore()}
	store.broken.Store(true)
	client := newClient(t, store, breaker.Config{FailureThreshold: 10})

	_, err := client.GetAgentCard(context.Background(), "bob")
	if !phlowerr.IsKind(err, phlowerr.RegistryUnavailable) {
		t.Fatalf("got %v, want RegistryUnavailable", err)
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	store := &failingStore{MemoryStore: registry.NewMemoryStore()}
	store.broken.Store(true)
	client := newClient(t, store, breaker.Config{FailureThreshold: 3, Recovery: time.Hour})

	for i := 0; i < 3; i++ {
		_, _ = client.GetAgentCard(context.Background(), "bob")
	}
	before := store.calls.Load()

	_, err := client.GetAgentCard(context.Background(), "bob")
	if !phlowerr.IsKind(err, phlowerr.CircuitOpen) {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
	if store.calls.Load() != before {
		t.Error("store called while breaker open")
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	store := &failingStore{MemoryStore: registry.NewMemoryStore()}
	client := newClient(t, store, breaker.Config{FailureThreshold: 2, Recovery: time.Hour})

	for i := 0; i < 10; i++ {
		if _, err := client.GetAgentCard(context.Background(), "nobody"); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	// Breaker must still be closed: a real call goes through.
	store.PutAgentCard(testCard(t, "bob"))
	if _, err := client.GetAgentCard(context.Background(), "bob"); err != nil {
		t.Fatalf("breaker tripped by not-found results: %v", err)
	}
}

func TestVerifiedRoleRoundTrip(t *testing.T) {
	client := newClient(t, registry.NewMemoryStore(), breaker.Config{})
	ctx := context.Background()

	row, err := client.GetVerifiedRole(ctx, "bob", "admin")
	if err != nil || row != nil {
		t.Fatalf("empty cache: got %+v, %v", row, err)
	}

	exp := time.Now().Add(time.Hour)
	err = client.UpsertVerifiedRole(ctx, &registry.VerifiedRole{
		AgentID:        "bob",
		Role:           "admin",
		VerifiedAt:     time.Now(),
		ExpiresAt:      &exp,
		CredentialHash: "abc123",
		IssuerDID:      "did:example:issuer1",
	})
	if err != nil {
		t.Fatal(err)
	}

	row, err = client.GetVerifiedRole(ctx, "bob", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.CredentialHash != "abc123" {
		t.Fatalf("row: got %+v", row)
	}
}

func TestExpiredVerifiedRoleIsAbsent(t *testing.T) {
	client := newClient(t, registry.NewMemoryStore(), breaker.Config{})
	ctx := context.Background()

	exp := time.Now().Add(-time.Minute)
	if err := client.UpsertVerifiedRole(ctx, &registry.VerifiedRole{
		AgentID: "bob", Role: "admin", VerifiedAt: time.Now().Add(-time.Hour),
		ExpiresAt: &exp, CredentialHash: "stale",
	}); err != nil {
		t.Fatal(err)
	}

	row, err := client.GetVerifiedRole(ctx, "bob", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Fatalf("expired row must be absent, got %+v", row)
	}
}

func TestRecordAuthEventIsBestEffort(t *testing.T) {
	store := registry.NewMemoryStore()
	client := newClient(t, store, breaker.Config{})

	client.RecordAuthEvent(context.Background(), &registry.AuthEvent{
		AgentID: "bob", EventType: "auth_success", Success: true,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(store.AuthEvents()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("audit event never recorded")
}
