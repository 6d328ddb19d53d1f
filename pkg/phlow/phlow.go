// Package phlow is the agent-to-agent authentication core. A Phlow
// instance holds the wired stack (token codec, registry client, rate
// limiter, DID resolver, role exchanger) and exposes Authenticate, the
// single entry point hosts call per inbound request.
package phlow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/internal/ratelimit"
	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/credential"
	"github.com/phlow-auth/phlow-go/pkg/did"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
	"github.com/phlow-auth/phlow-go/pkg/registry"
	"github.com/phlow-auth/phlow-go/pkg/roleexchange"
	"github.com/phlow-auth/phlow-go/pkg/token"
)

// AuthOptions select the per-request requirements beyond a valid
// token.
type AuthOptions struct {
	RequiredRole        string
	RequiredPermissions []string
}

// AuthContext is the result of a successful authentication. It is
// immutable and scoped to one request.
type AuthContext struct {
	Agent         *agentcard.AgentCard
	Claims        *token.Claims
	Token         string
	VerifiedRoles []string
	RequestID     string
}

// HasRole reports whether role was verified for this request.
func (a *AuthContext) HasRole(role string) bool {
	for _, r := range a.VerifiedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Phlow is the wired authentication stack for one local agent.
type Phlow struct {
	cfg       *Config
	codec     *token.Codec
	keys      KeyStore
	registry  *registry.Client
	limiter   *ratelimit.Limiter
	resolver  did.Resolver
	exchanger *roleexchange.Exchanger
	responder *roleexchange.Responder
	creds     *roleexchange.MemoryCredentialStore
	breakers  *breaker.Registry
	logger    *zap.Logger
	tokenTTL  time.Duration
}

// Option overrides a default dependency, mainly for tests and embedded
// setups.
type Option func(*options)

type options struct {
	store        registry.Store
	transport    roleexchange.Transport
	resolver     did.Resolver
	limiterStore ratelimit.Store
}

// WithStore replaces the registry store selected by configuration.
func WithStore(s registry.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransport replaces the HTTP peer-messaging transport.
func WithTransport(t roleexchange.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithResolver replaces the caching DID resolver.
func WithResolver(r did.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithSharedLimiterStore replaces the Redis rate-limit backend.
func WithSharedLimiterStore(s ratelimit.Store) Option {
	return func(o *options) { o.limiterStore = s }
}

// New validates cfg and wires the full stack. Infrastructure clients
// (Postgres pool, Redis client) are created here when their URLs are
// configured.
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (*Phlow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := token.NewCodec("RS256")
	if err != nil {
		return nil, err
	}
	ttl, err := token.ParseTTL(cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	breakers := breaker.NewRegistry(logger)

	store := o.store
	if store == nil {
		if cfg.RegistryURL != "" {
			pool, err := pgxpool.New(ctx, cfg.RegistryURL)
			if err != nil {
				return nil, phlowerr.Wrap(phlowerr.ConfigurationInvalid, "connect registry database", err)
			}
			store = registry.NewPostgresStore(pool)
		} else {
			store = registry.NewMemoryStore()
		}
	}
	client := registry.NewClient(store, breakers, cfg.Breakers.Registry.toConfig(), logger)

	shared := o.limiterStore
	if shared == nil && cfg.RateLimitSharedURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RateLimitSharedURL)
		if err != nil {
			return nil, phlowerr.Wrap(phlowerr.ConfigurationInvalid, "parse rate limit backend url", err)
		}
		shared = ratelimit.NewRedisStore(redis.NewClient(redisOpts))
	}
	limiter := ratelimit.New("auth", ratelimit.Config{
		Max:    cfg.RateLimitMax,
		Window: cfg.rateLimitWindow(),
	}, shared, logger)
	roleLimiter := ratelimit.New("roleRequest", ratelimit.Config{
		Max:    cfg.RateLimitMax,
		Window: cfg.rateLimitWindow(),
	}, shared, logger)

	resolver := o.resolver
	if resolver == nil {
		resolver = did.NewCachingResolver(store, breakers, did.Config{
			CacheTTL: cfg.didCacheTTL(),
			Breaker:  cfg.Breakers.DIDResolver.toConfig(),
		}, logger)
	}
	verifier := credential.NewVerifier(resolver)

	transport := o.transport
	if transport == nil {
		transport = roleexchange.NewHTTPTransport(time.Duration(cfg.PeerCallTimeoutMS) * time.Millisecond)
	}
	exchanger := roleexchange.NewExchanger(client, transport, verifier, breakers, roleexchange.Config{
		CacheTTL: cfg.verifiedRoleTTL(),
		Breaker:  cfg.Breakers.PeerMessaging.toConfig(),
		Limiter:  roleLimiter,
	}, logger)

	creds := roleexchange.NewMemoryCredentialStore()
	responder := roleexchange.NewResponder(creds,
		cfg.DID(), cfg.PrivateKey, cfg.VerificationMethod(), logger)

	return &Phlow{
		cfg:       cfg,
		codec:     codec,
		keys:      StaticKeyStore(cfg.PrivateKey),
		registry:  client,
		limiter:   limiter,
		resolver:  resolver,
		exchanger: exchanger,
		responder: responder,
		creds:     creds,
		breakers:  breakers,
		logger:    logger,
		tokenTTL:  ttl,
	}, nil
}

// Authenticate runs the request-time pipeline. It returns an
// AuthContext on success or a taxonomy error. Rate limiting happens
// before any cryptographic work and is never rolled back.
func (p *Phlow) Authenticate(ctx context.Context, tokenStr, agentID string, opts AuthOptions) (*AuthContext, error) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx = observe.WithRequest(ctx, requestID, agentID)
	tokenHash := token.Hash(tokenStr)

	fail := func(err error) (*AuthContext, error) {
		kind := string(phlowerr.KindOf(err))
		observe.RecordAuthAttempt(kind, time.Since(start))
		observe.Emit(ctx, p.logger, observe.KindAuthFailure,
			zap.String("kind", kind),
			zap.String("token_hash", tokenHash),
		)
		p.audit(ctx, agentID, observe.KindAuthFailure, false, map[string]any{
			"kind":       kind,
			"request_id": requestID,
			"token_hash": tokenHash,
		})
		return nil, err
	}

	if err := p.limiter.Admit(ctx, tokenHash); err != nil {
		return fail(err)
	}

	card, err := p.registry.GetAgentCard(ctx, agentID)
	if err != nil {
		return fail(err)
	}
	if card == nil {
		return fail(phlowerr.Newf(phlowerr.AgentUnknown, "agent %q is not registered", agentID))
	}

	claims, err := p.codec.Verify(tokenStr, card.PublicKey, token.VerifyOptions{
		Audience:     p.cfg.AgentID,
		Issuer:       agentID,
		AllowExpired: p.cfg.AllowExpiredTokens,
	})
	if err != nil {
		return fail(err)
	}

	if !claims.HasPermissions(opts.RequiredPermissions) {
		return fail(phlowerr.Newf(phlowerr.PermissionsInsufficient,
			"agent %s lacks required permissions", agentID))
	}

	var verifiedRoles []string
	if opts.RequiredRole != "" {
		if err := p.exchanger.RequireRole(ctx, card, opts.RequiredRole); err != nil {
			return fail(err)
		}
		verifiedRoles = []string{opts.RequiredRole}
	}

	observe.RecordAuthAttempt("success", time.Since(start))
	observe.Emit(ctx, p.logger, observe.KindAuthSuccess,
		zap.String("token_hash", tokenHash),
		zap.Strings("verified_roles", verifiedRoles),
	)
	p.audit(ctx, agentID, observe.KindAuthSuccess, true, map[string]any{
		"request_id":     requestID,
		"token_hash":     tokenHash,
		"verified_roles": verifiedRoles,
	})

	return &AuthContext{
		Agent:         card,
		Claims:        claims,
		Token:         tokenStr,
		VerifiedRoles: verifiedRoles,
		RequestID:     requestID,
	}, nil
}

func (p *Phlow) audit(ctx context.Context, agentID, eventType string, success bool, meta map[string]any) {
	if !p.cfg.AuditLogEnabled {
		return
	}
	p.registry.RecordAuthEvent(ctx, &registry.AuthEvent{
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Success:   success,
		Metadata:  meta,
	})
}

// Token signs an outbound bearer token addressed to targetAgentID.
func (p *Phlow) Token(ctx context.Context, targetAgentID string, permissions []string) (string, error) {
	key, err := p.keys.PrivateKey(ctx)
	if err != nil {
		return "", err
	}
	claims := &token.Claims{Permissions: permissions}
	claims.Subject = p.cfg.AgentID
	claims.Issuer = p.cfg.AgentID
	claims.Audience = []string{targetAgentID}
	return p.codec.Sign(claims, key, p.tokenTTL)
}

// Card returns the local agent's card as peers see it.
func (p *Phlow) Card() *agentcard.AgentCard {
	return &agentcard.AgentCard{
		AgentID:     p.cfg.AgentID,
		Name:        p.cfg.AgentName,
		Description: p.cfg.Description,
		PublicKey:   p.cfg.PublicKey,
		ServiceURL:  p.cfg.ServiceURL,
	}
}

// HoldCredential registers a credential the local agent can present in
// role exchanges.
func (p *Phlow) HoldCredential(c credential.Credential) {
	p.creds.Add(c)
}

// Responder answers incoming role-credential requests.
func (p *Phlow) Responder() *roleexchange.Responder { return p.responder }

// BreakerStats exposes the state of every named breaker.
func (p *Phlow) BreakerStats() []breaker.Stats { return p.breakers.Stats() }
