package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// Client is the pipeline's view of the registry. Every call runs
// through the "registry" circuit breaker; missing rows come back as
// nil, infrastructure failures as RegistryUnavailable.
type Client struct {
	store   Store
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// NewClient wraps store with the registry breaker from breakers.
func NewClient(store Store, breakers *breaker.Registry, cfg breaker.Config, logger *zap.Logger) *Client {
	// A missing row is an answer, not a dependency failure.
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrNotFound) }
	return &Client{
		store:   store,
		breaker: breakers.Get(breaker.NameRegistry, cfg),
		logger:  logger,
	}
}

// GetAgentCard returns the card for agentID, or nil when unknown.
func (c *Client) GetAgentCard(ctx context.Context, agentID string) (*agentcard.AgentCard, error) {
	card, err := breaker.DoValue(ctx, c.breaker, func(ctx context.Context) (*agentcard.AgentCard, error) {
		return c.store.GetAgentCard(ctx, agentID)
	})
	if err != nil {
		return nil, c.mapErr(err, "get agent card")
	}
	return card, nil
}

// RecordAuthEvent appends an audit record best-effort: it never blocks
// the request and write failures are only logged.
func (c *Client) RecordAuthEvent(ctx context.Context, ev *AuthEvent) {
	bg := context.WithoutCancel(ctx)
	go func() {
		err := c.breaker.Do(bg, func(ctx context.Context) error {
			return c.store.RecordAuthEvent(ctx, ev)
		})
		if err != nil {
			c.logger.Warn("audit write failed",
				zap.String("agent_id", ev.AgentID),
				zap.String("event_type", ev.EventType),
				zap.Error(err),
			)
		}
	}()
}

// GetVerifiedRole returns the cached role row, or nil on a cache miss
// (including expired rows).
func (c *Client) GetVerifiedRole(ctx context.Context, agentID, role string) (*VerifiedRole, error) {
	row, err := breaker.DoValue(ctx, c.breaker, func(ctx context.Context) (*VerifiedRole, error) {
		return c.store.GetVerifiedRole(ctx, agentID, role)
	})
	if err != nil {
		return nil, c.mapErr(err, "get verified role")
	}
	return row, nil
}

// UpsertVerifiedRole writes a verified-role cache row.
func (c *Client) UpsertVerifiedRole(ctx context.Context, row *VerifiedRole) error {
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.store.UpsertVerifiedRole(ctx, row)
	})
	if err != nil {
		return c.mapErr(err, "upsert verified role")
	}
	return nil
}

// mapErr projects store failures onto the taxonomy. NotFound is
// filtered out by the callers above via nil results; breaker verdicts
// pass through untouched.
func (c *Client) mapErr(err error, op string) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	switch phlowerr.KindOf(err) {
	case phlowerr.CircuitOpen, phlowerr.OperationTimeout, phlowerr.Cancelled:
		return err
	}
	return phlowerr.Wrap(phlowerr.RegistryUnavailable, op, err)
}
