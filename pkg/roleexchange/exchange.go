package roleexchange

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/internal/ratelimit"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/credential"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
	"github.com/phlow-auth/phlow-go/pkg/registry"
)

// RoleStore is the verified-role cache the exchanger consults before
// and after an exchange. *registry.Client satisfies it.
type RoleStore interface {
	GetVerifiedRole(ctx context.Context, agentID, role string) (*registry.VerifiedRole, error)
	UpsertVerifiedRole(ctx context.Context, row *registry.VerifiedRole) error
}

// Config controls the exchanger.
type Config struct {
	CacheTTL time.Duration // verified-role cache lifetime (default 1h)
	Breaker  breaker.Config

	// Limiter caps outbound exchanges per peer agent id. Cache hits
	// are not counted. Optional; nil disables the cap.
	Limiter *ratelimit.Limiter
}

// Exchanger runs the verifying side of the role exchange: cache check,
// request with a fresh nonce, response validation, credential
// verification, cache write.
type Exchanger struct {
	store     RoleStore
	transport Transport
	verifier  *credential.Verifier
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	cacheTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewExchanger wires an exchanger onto the peerMessaging breaker.
func NewExchanger(store RoleStore, transport Transport, verifier *credential.Verifier, breakers *breaker.Registry, cfg Config, logger *zap.Logger) *Exchanger {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Exchanger{
		store:     store,
		transport: transport,
		verifier:  verifier,
		breaker:   breakers.Get(breaker.NamePeerMessaging, cfg.Breaker),
		limiter:   cfg.Limiter,
		cacheTTL:  ttl,
		logger:    logger,
		now:       time.Now,
	}
}

// RequireRole proves that the agent behind card holds requiredRole,
// using the cache when possible and the two-message exchange otherwise.
// Remote misbehavior (transport failures, nonce mismatches, refusals)
// is counted by the peerMessaging breaker; local verification failures
// are not.
func (e *Exchanger) RequireRole(ctx context.Context, card *agentcard.AgentCard, requiredRole string) error {
	row, err := e.store.GetVerifiedRole(ctx, card.AgentID, requiredRole)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return err
	}
	if row != nil {
		observe.Emit(ctx, e.logger, observe.KindRoleVerified,
			zap.String("agent_id", card.AgentID),
			zap.String("role", requiredRole),
			zap.String("source", "cache"),
		)
		return nil
	}

	// Each cache miss costs a peer round trip plus DID resolution, so
	// exchanges are rate limited per peer agent.
	if e.limiter != nil {
		if err := e.limiter.Admit(ctx, card.AgentID); err != nil {
			return err
		}
	}

	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	req := &RoleRequest{
		Type:         TypeRoleRequest,
		RequiredRole: requiredRole,
		Nonce:        nonce,
	}

	// Response validation runs inside the breaker: a peer that answers
	// with the wrong nonce or a refusal is misbehaving remotely.
	presentation, err := breaker.DoValue(ctx, e.breaker, func(ctx context.Context) (*credential.Presentation, error) {
		resp, err := e.transport.SendRoleRequest(ctx, card, req)
		if err != nil {
			return nil, err
		}
		if resp.Nonce != nonce {
			return nil, phlowerr.Newf(phlowerr.NonceMismatch,
				"peer %s echoed wrong nonce", card.AgentID)
		}
		if resp.Presentation == nil {
			msg := resp.Error
			if msg == "" {
				msg = "peer returned no presentation"
			}
			return nil, phlowerr.Newf(phlowerr.RoleCredentialRefused,
				"peer %s refused role %s: %s", card.AgentID, requiredRole, msg)
		}
		return resp.Presentation, nil
	})
	if err != nil {
		return err
	}

	assertions, err := e.verifier.Verify(ctx, presentation)
	if err != nil {
		return err
	}

	var matched *credential.Credential
	var issuerDID string
	for _, a := range assertions {
		if a.Role == requiredRole {
			issuerDID = a.Issuer
			break
		}
	}
	if issuerDID == "" {
		return phlowerr.Newf(phlowerr.RoleAbsent,
			"presentation from %s does not assert role %s", card.AgentID, requiredRole)
	}
	for i := range presentation.VerifiableCredential {
		if presentation.VerifiableCredential[i].HasRole(requiredRole) {
			matched = &presentation.VerifiableCredential[i]
			break
		}
	}

	hash, err := credential.HashPresentation(presentation)
	if err != nil {
		return phlowerr.Wrap(phlowerr.CredentialMalformed, "hash presentation", err)
	}

	now := e.now()
	expiresAt := now.Add(e.cacheTTL)
	if matched != nil && matched.ExpirationDate != "" {
		if credExp, err := matched.ExpiresAt(); err == nil && credExp.Before(expiresAt) {
			expiresAt = credExp
		}
	}
	if err := e.store.UpsertVerifiedRole(ctx, &registry.VerifiedRole{
		AgentID:        card.AgentID,
		Role:           requiredRole,
		VerifiedAt:     now,
		ExpiresAt:      &expiresAt,
		CredentialHash: hash,
		IssuerDID:      issuerDID,
	}); err != nil {
		// Cache write failure does not void a successful verification.
		e.logger.Warn("verified role cache write failed",
			zap.String("agent_id", card.AgentID),
			zap.String("role", requiredRole),
			zap.Error(err),
		)
	}

	observe.Emit(ctx, e.logger, observe.KindRoleVerified,
		zap.String("agent_id", card.AgentID),
		zap.String("role", requiredRole),
		zap.String("issuer_did", issuerDID),
		zap.String("source", "exchange"),
	)
	return nil
}
