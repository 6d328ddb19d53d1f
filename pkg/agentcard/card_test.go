package agentcard_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

func testPublicKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestValidate(t *testing.T) {
	card := &agentcard.AgentCard{
		AgentID:   "bob",
		Name:      "Bob Agent",
		PublicKey: testPublicKeyPEM(t),
	}
	if err := card.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsEmptyAgentID(t *testing.T) {
	card := &agentcard.AgentCard{PublicKey: testPublicKeyPEM(t)}
	if err := card.Validate(); !phlowerr.IsKind(err, phlowerr.ConfigurationInvalid) {
		t.Fatalf("got %v, want ConfigurationInvalid", err)
	}
}

func TestValidateRejectsBadKey(t *testing.T) {
	card := &agentcard.AgentCard{AgentID: "bob", PublicKey: "not a key"}
	if err := card.Validate(); err == nil {
		t.Fatal("expected error for malformed public key")
	}
}

func TestParse(t *testing.T) {
	pub := testPublicKeyPEM(t)
	data, _ := json.Marshal(map[string]any{
		"agent_id":   "bob",
		"name":       "Bob",
		"public_key": pub,
		"skills":     []string{"billing"},
	})

	card, err := agentcard.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if card.AgentID != "bob" || len(card.Skills) != 1 {
		t.Errorf("unexpected card: %+v", card)
	}
}

func TestWellKnownDocument(t *testing.T) {
	pub := testPublicKeyPEM(t)
	card := &agentcard.AgentCard{
		AgentID:    "alice",
		Name:       "Alice",
		ServiceURL: "https://alice.example.com",
		PublicKey:  pub,
		Skills:     []string{"ledger", "audit"},
	}

	doc := card.WellKnown()
	if doc.SchemaVersion != "1.0" {
		t.Errorf("schemaVersion: got %q", doc.SchemaVersion)
	}
	if doc.PublicKey != pub {
		t.Error("public key not projected")
	}
	if len(doc.Skills) != 2 || doc.Skills[0].Name != "ledger" {
		t.Errorf("skills: got %+v", doc.Skills)
	}
	bearer, ok := doc.SecuritySchemes["bearer"]
	if !ok || bearer.Type != "bearer" || bearer.Scheme != "bearer" {
		t.Errorf("securitySchemes: got %+v", doc.SecuritySchemes)
	}

	// The document must marshal with the wire-level field names.
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"schemaVersion"`, `"securitySchemes"`, `"publicKey"`, `"serviceUrl"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("marshalled document missing %s", want)
		}
	}
}
