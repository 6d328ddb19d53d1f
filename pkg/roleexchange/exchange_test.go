package roleexchange_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/internal/ratelimit"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/credential"
	"github.com/phlow-auth/phlow-go/pkg/did"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
	"github.com/phlow-auth/phlow-go/pkg/registry"
	"github.com/phlow-auth/phlow-go/pkg/roleexchange"
)

type keypair struct {
	privatePEM string
	publicPEM  string
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	priv := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return keypair{privatePEM: string(priv), publicPEM: string(pub)}
}

// staticResolver serves fixed DID documents without I/O.
type staticResolver map[string]*did.Document

func (r staticResolver) Resolve(_ context.Context, didStr string) (*did.Document, error) {
	doc, ok := r[didStr]
	if !ok {
		return nil, phlowerr.Newf(phlowerr.IssuerUnresolved, "unknown did %s", didStr)
	}
	return doc, nil
}

const issuerDID = "did:example:issuer1"

// issuerSetup returns a resolver knowing the issuer key and a signed
// role credential for the given role.
func issuerSetup(t *testing.T, role string) (staticResolver, credential.Credential) {
	t.Helper()
	kp := newKeypair(t)
	resolver := staticResolver{
		issuerDID: {
			ID: issuerDID,
			VerificationMethod: []did.VerificationMethod{{
				ID:           issuerDID + "#key-1",
				Type:         "RsaVerificationKey2018",
				Controller:   issuerDID,
				PublicKeyPem: kp.publicPEM,
			}},
		},
	}
	cred := credential.Credential{
		Type:         []string{"VerifiableCredential", "RoleCredential"},
		Issuer:       issuerDID,
		IssuanceDate: time.Now().UTC().Format(time.RFC3339),
		CredentialSubject: map[string]any{
			"id":   "did:example:holder",
			"role": role,
		},
	}
	if err := credential.SignCredential(&cred, kp.privatePEM, issuerDID+"#key-1"); err != nil {
		t.Fatal(err)
	}
	return resolver, cred
}

// fakeTransport answers with a caller-supplied function and counts
// sends.
type fakeTransport struct {
	respond func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error)
	calls   atomic.Int64
}

func (f *fakeTransport) SendRoleRequest(_ context.Context, _ *agentcard.AgentCard, req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
	f.calls.Add(1)
	return f.respond(req)
}

func peerCard() *agentcard.AgentCard {
	return &agentcard.AgentCard{AgentID: "peer-1", Name: "peer-1", ServiceURL: "https://peer-1.example"}
}

func newExchanger(t *testing.T, store roleexchange.RoleStore, tr roleexchange.Transport, resolver did.Resolver, cfg roleexchange.Config) *roleexchange.Exchanger {
	t.Helper()
	return roleexchange.NewExchanger(store, tr, credential.NewVerifier(resolver),
		breaker.NewRegistry(zap.NewNop()), cfg, zap.NewNop())
}

func TestRequireRoleExchangeAndCacheWrite(t *testing.T) {
	resolver, cred := issuerSetup(t, "admin")
	holder := newKeypair(t)
	tr := &fakeTransport{respond: func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		p := &credential.Presentation{
			Type:                 []string{"VerifiablePresentation"},
			Holder:               "did:example:holder",
			VerifiableCredential: []credential.Credential{cred},
		}
		if err := credential.SignPresentation(p, holder.privatePEM, "did:example:holder#key-1"); err != nil {
			return nil, err
		}
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: req.Nonce, Presentation: p,
		}, nil
	}}
	store := registry.NewMemoryStore()
	e := newExchanger(t, store, tr, resolver, roleexchange.Config{})

	if err := e.RequireRole(context.Background(), peerCard(), "admin"); err != nil {
		t.Fatal(err)
	}

	row, err := store.GetVerifiedRole(context.Background(), "peer-1", "admin")
	if err != nil {
		t.Fatalf("verified role not cached: %v", err)
	}
	if row.IssuerDID != issuerDID {
		t.Errorf("issuer: got %q, want %q", row.IssuerDID, issuerDID)
	}
	if row.CredentialHash == "" {
		t.Error("credential hash empty")
	}
	if row.ExpiresAt == nil || !row.ExpiresAt.After(time.Now()) {
		t.Errorf("expiresAt: %v", row.ExpiresAt)
	}
}

func TestRequireRoleCacheHitSkipsTransport(t *testing.T) {
	store := registry.NewMemoryStore()
	exp := time.Now().Add(time.Hour)
	if err := store.UpsertVerifiedRole(context.Background(), &registry.VerifiedRole{
		AgentID: "peer-1", Role: "admin", VerifiedAt: time.Now(),
		ExpiresAt: &exp, CredentialHash: "cached",
	}); err != nil {
		t.Fatal(err)
	}
	tr := &fakeTransport{respond: func(*roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		t.Error("transport must not be used on cache hit")
		return nil, nil
	}}
	e := newExchanger(t, store, tr, staticResolver{}, roleexchange.Config{})

	if err := e.RequireRole(context.Background(), peerCard(), "admin"); err != nil {
		t.Fatal(err)
	}
	if tr.calls.Load() != 0 {
		t.Errorf("transport calls: got %d, want 0", tr.calls.Load())
	}
}

func TestRequireRoleExpiredCacheRowTriggersExchange(t *testing.T) {
	resolver, cred := issuerSetup(t, "admin")
	store := registry.NewMemoryStore()
	exp := time.Now().Add(-time.Minute)
	if err := store.UpsertVerifiedRole(context.Background(), &registry.VerifiedRole{
		AgentID: "peer-1", Role: "admin", VerifiedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: &exp, CredentialHash: "stale",
	}); err != nil {
		t.Fatal(err)
	}
	tr := &fakeTransport{respond: func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: req.Nonce,
			Presentation: &credential.Presentation{VerifiableCredential: []credential.Credential{cred}},
		}, nil
	}}
	e := newExchanger(t, store, tr, resolver, roleexchange.Config{})

	if err := e.RequireRole(context.Background(), peerCard(), "admin"); err != nil {
		t.Fatal(err)
	}
	if tr.calls.Load() != 1 {
		t.Errorf("transport calls: got %d, want 1", tr.calls.Load())
	}
}

func TestRequireRoleNonceMismatch(t *testing.T) {
	tr := &fakeTransport{respond: func(*roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: "0000",
			Presentation: &credential.Presentation{VerifiableCredential: []credential.Credential{{}}},
		}, nil
	}}
	e := newExchanger(t, registry.NewMemoryStore(), tr, staticResolver{}, roleexchange.Config{})

	err := e.RequireRole(context.Background(), peerCard(), "admin")
	if !phlowerr.IsKind(err, phlowerr.NonceMismatch) {
		t.Fatalf("got %v, want NonceMismatch", err)
	}
}

func TestRequireRoleRefused(t *testing.T) {
	tr := &fakeTransport{respond: func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: req.Nonce,
			Error: "no credential held for role admin",
		}, nil
	}}
	e := newExchanger(t, registry.NewMemoryStore(), tr, staticResolver{}, roleexchange.Config{})

	err := e.RequireRole(context.Background(), peerCard(), "admin")
	if !phlowerr.IsKind(err, phlowerr.RoleCredentialRefused) {
		t.Fatalf("got %v, want RoleCredentialRefused", err)
	}
}

func TestRequireRoleAbsentFromPresentation(t *testing.T) {
	resolver, cred := issuerSetup(t, "reader")
	tr := &fakeTransport{respond: func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: req.Nonce,
			Presentation: &credential.Presentation{VerifiableCredential: []credential.Credential{cred}},
		}, nil
	}}
	store := registry.NewMemoryStore()
	e := newExchanger(t, store, tr, resolver, roleexchange.Config{})

	err := e.RequireRole(context.Background(), peerCard(), "admin")
	if !phlowerr.IsKind(err, phlowerr.RoleAbsent) {
		t.Fatalf("got %v, want RoleAbsent", err)
	}
	if row, _ := store.GetVerifiedRole(context.Background(), "peer-1", "admin"); row != nil {
		t.Error("failed verification must not write the cache")
	}
}

func TestRepeatedPeerFailuresOpenBreaker(t *testing.T) {
	tr := &fakeTransport{respond: func(*roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return nil, context.DeadlineExceeded
	}}
	e := newExchanger(t, registry.NewMemoryStore(), tr, staticResolver{},
		roleexchange.Config{Breaker: breaker.Config{FailureThreshold: 2, Recovery: time.Hour}})

	for i := 0; i < 2; i++ {
		if err := e.RequireRole(context.Background(), peerCard(), "admin"); err == nil {
			t.Fatal("expected transport failure")
		}
	}
	before := tr.calls.Load()
	err := e.RequireRole(context.Background(), peerCard(), "admin")
	if !phlowerr.IsKind(err, phlowerr.CircuitOpen) {
		t.Fatalf("got %v, want CircuitOpen", err)
	}
	if tr.calls.Load() != before {
		t.Error("transport called while breaker open")
	}
}

func TestRequireRoleExchangesAreRateLimitedPerAgent(t *testing.T) {
	tr := &fakeTransport{respond: func(req *roleexchange.RoleRequest) (*roleexchange.RoleResponse, error) {
		return &roleexchange.RoleResponse{
			Type: roleexchange.TypeRoleResponse, Nonce: req.Nonce,
			Error: "no credential held for role admin",
		}, nil
	}}
	limiter := ratelimit.New("roleRequest", ratelimit.Config{Max: 2, Window: time.Minute}, nil, zap.NewNop())
	e := newExchanger(t, registry.NewMemoryStore(), tr, staticResolver{},
		roleexchange.Config{Limiter: limiter})

	for i := 0; i < 2; i++ {
		err := e.RequireRole(context.Background(), peerCard(), "admin")
		if !phlowerr.IsKind(err, phlowerr.RoleCredentialRefused) {
			t.Fatalf("exchange %d: got %v, want RoleCredentialRefused", i, err)
		}
	}
	err := e.RequireRole(context.Background(), peerCard(), "admin")
	if !phlowerr.IsKind(err, phlowerr.RateLimitExceeded) {
		t.Fatalf("got %v, want RateLimitExceeded", err)
	}
	if tr.calls.Load() != 2 {
		t.Errorf("transport calls: got %d, want 2", tr.calls.Load())
	}

	// Other peers keep their own budget.
	other := &agentcard.AgentCard{AgentID: "peer-2", Name: "peer-2"}
	if err := e.RequireRole(context.Background(), other, "admin"); !phlowerr.IsKind(err, phlowerr.RoleCredentialRefused) {
		t.Fatalf("peer-2: got %v, want RoleCredentialRefused", err)
	}
}

func TestResponderEchoesNonceOnRefusal(t *testing.T) {
	r := roleexchange.NewResponder(roleexchange.NewMemoryCredentialStore(),
		"did:example:holder", "", "did:example:holder#key-1", zap.NewNop())

	resp := r.HandleRoleRequest(context.Background(), &roleexchange.RoleRequest{
		Type: roleexchange.TypeRoleRequest, RequiredRole: "admin", Nonce: "abc123",
	})
	if resp.Nonce != "abc123" {
		t.Errorf("nonce: got %q, want %q", resp.Nonce, "abc123")
	}
	if resp.Error == "" || resp.Presentation != nil {
		t.Fatalf("expected refusal, got %+v", resp)
	}
}

func TestResponderRejectsMalformedRequest(t *testing.T) {
	r := roleexchange.NewResponder(roleexchange.NewMemoryCredentialStore(),
		"did:example:holder", "", "", zap.NewNop())

	resp := r.HandleRoleRequest(context.Background(), &roleexchange.RoleRequest{
		Type: "something-else", RequiredRole: "admin", Nonce: "n1",
	})
	if resp.Error == "" || resp.Nonce != "n1" {
		t.Fatalf("resp: %+v", resp)
	}
}

// Full loop over HTTP: exchanger -> transport -> responder -> verifier.
func TestExchangeOverHTTPTransport(t *testing.T) {
	resolver, cred := issuerSetup(t, "admin")
	holder := newKeypair(t)

	creds := roleexchange.NewMemoryCredentialStore()
	creds.Add(cred)
	responder := roleexchange.NewResponder(creds, "did:example:holder",
		holder.privatePEM, "did:example:holder#key-1", zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, httpReq *http.Request) {
		if httpReq.URL.Path != roleexchange.RoleRequestPath {
			http.NotFound(w, httpReq)
			return
		}
		var req roleexchange.RoleRequest
		if err := json.NewDecoder(httpReq.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(responder.HandleRoleRequest(httpReq.Context(), &req))
	}))
	defer srv.Close()

	store := registry.NewMemoryStore()
	e := newExchanger(t, store, roleexchange.NewHTTPTransport(5*time.Second), resolver, roleexchange.Config{})

	card := peerCard()
	card.ServiceURL = srv.URL
	if err := e.RequireRole(context.Background(), card, "admin"); err != nil {
		t.Fatal(err)
	}
	row, err := store.GetVerifiedRole(context.Background(), "peer-1", "admin")
	if err != nil || row == nil {
		t.Fatalf("verified role missing after exchange: %v", err)
	}
}
