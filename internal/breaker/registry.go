package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Well-known breaker names used across the framework.
const (
	NameRegistry      = "registry"
	NameDIDResolver   = "didResolver"
	NamePeerMessaging = "peerMessaging"
)

// Registry is a process-wide map of named breakers. Creating a breaker
// with an already-registered name returns the existing instance;
// configuration is fixed on first creation.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker registered under name, creating it with cfg
// on first use.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, cfg, r.logger)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots for every registered breaker.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
