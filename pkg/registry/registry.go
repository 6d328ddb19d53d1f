// Package registry is the narrow adapter over the external store that
// holds agent cards, the auth audit log, cached DID keys and verified
// roles. Two Store implementations exist: Postgres for deployments and
// an in-memory store for tests and development.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/phlow-auth/phlow-go/pkg/agentcard"
)

// ErrNotFound is returned by Store lookups when no row matches.
// The Client translates it to a nil result, never an error.
var ErrNotFound = errors.New("registry: not found")

// VerifiedRole is a cached, cryptographically verified role assertion.
// (AgentID, Role) is unique; rows whose ExpiresAt has passed are
// treated as absent.
type VerifiedRole struct {
	AgentID        string         `json:"agent_id"`
	Role           string         `json:"role"`
	VerifiedAt     time.Time      `json:"verified_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CredentialHash string         `json:"credential_hash"`
	IssuerDID      string         `json:"issuer_did,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the row should be treated as absent.
func (r *VerifiedRole) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// AuthEvent is one append-only audit record.
type AuthEvent struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DIDKey is one cached public key for a DID, unique per
// (DID, KeyFragment).
type DIDKey struct {
	DID         string `json:"did"`
	KeyFragment string `json:"key_fragment"`
	PublicKey   string `json:"public_key"`
	KeyType     string `json:"key_type"`
}

// Store is the persistence contract. Implementations return
// ErrNotFound for missing rows and plain errors for infrastructure
// failures; they never interpret failures.
type Store interface {
	GetAgentCard(ctx context.Context, agentID string) (*agentcard.AgentCard, error)
	RecordAuthEvent(ctx context.Context, ev *AuthEvent) error
	GetVerifiedRole(ctx context.Context, agentID, role string) (*VerifiedRole, error)
	UpsertVerifiedRole(ctx context.Context, row *VerifiedRole) error
	GetDIDKeys(ctx context.Context, did string) ([]DIDKey, error)
	UpsertDIDKey(ctx context.Context, key *DIDKey) error
}
