package registry

import (
	"context"
	"sync"
	"time"

	"github.com/phlow-auth/phlow-go/pkg/agentcard"
)

// MemoryStore is an in-memory Store for tests and single-process
// development setups.
type MemoryStore struct {
	mu     sync.RWMutex
	cards  map[string]*agentcard.AgentCard
	roles  map[string]*VerifiedRole // key: agentID + "\x00" + role
	keys   map[string][]DIDKey
	events []*AuthEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards: make(map[string]*agentcard.AgentCard),
		roles: make(map[string]*VerifiedRole),
		keys:  make(map[string][]DIDKey),
	}
}

// PutAgentCard registers a card (registry-owner operation).
func (s *MemoryStore) PutAgentCard(card *agentcard.AgentCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.AgentID] = card
}

func (s *MemoryStore) GetAgentCard(_ context.Context, agentID string) (*agentcard.AgentCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *card
	return &cp, nil
}

func (s *MemoryStore) RecordAuthEvent(_ context.Context, ev *AuthEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

// AuthEvents returns a copy of the audit log, newest last.
func (s *MemoryStore) AuthEvents() []*AuthEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuthEvent, len(s.events))
	copy(out, s.events)
	return out
}

func roleKey(agentID, role string) string { return agentID + "\x00" + role }

func (s *MemoryStore) GetVerifiedRole(_ context.Context, agentID, role string) (*VerifiedRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.roles[roleKey(agentID, role)]
	if !ok || row.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) UpsertVerifiedRole(_ context.Context, row *VerifiedRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.roles[roleKey(row.AgentID, row.Role)] = &cp
	return nil
}

func (s *MemoryStore) GetDIDKeys(_ context.Context, did string) ([]DIDKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.keys[did]
	if !ok || len(keys) == 0 {
		return nil, ErrNotFound
	}
	out := make([]DIDKey, len(keys))
	copy(out, keys)
	return out, nil
}

func (s *MemoryStore) UpsertDIDKey(_ context.Context, key *DIDKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.keys[key.DID]
	for i := range existing {
		if existing[i].KeyFragment == key.KeyFragment {
			existing[i] = *key
			return nil
		}
	}
	s.keys[key.DID] = append(existing, *key)
	return nil
}
