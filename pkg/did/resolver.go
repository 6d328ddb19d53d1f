package did

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/internal/observe"
	"github.com/phlow-auth/phlow-go/pkg/registry"
)

// KeyStore is the slice of the registry store the resolver reads
// cached DID keys from. Writes are best-effort.
type KeyStore interface {
	GetDIDKeys(ctx context.Context, did string) ([]registry.DIDKey, error)
	UpsertDIDKey(ctx context.Context, key *registry.DIDKey) error
}

// Config configures the resolver.
type Config struct {
	CacheTTL    time.Duration // in-memory document TTL (default 1h)
	HTTPTimeout time.Duration // live did:web fetch timeout (default 5s)
	Breaker     breaker.Config
}

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

// CachingResolver resolves DIDs with a three-level strategy: in-memory
// TTL cache, registry did_public_keys rows, live did:web fetch. The
// store and network paths run behind the didResolver breaker.
type CachingResolver struct {
	store   KeyStore // may be nil
	http    *http.Client
	breaker *breaker.Breaker
	ttl     time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	// overridden in tests; did:web mandates https in production
	webScheme string
}

// NewCachingResolver creates a resolver. store may be nil to disable
// the registry cache level.
func NewCachingResolver(store KeyStore, breakers *breaker.Registry, cfg Config, logger *zap.Logger) *CachingResolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CachingResolver{
		store:     store,
		http:      &http.Client{Timeout: timeout},
		breaker:   breakers.Get(breaker.NameDIDResolver, cfg.Breaker),
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]*cacheEntry),
		webScheme: "https",
	}
}

// Resolve implements Resolver. A stale cache entry is evicted and
// re-resolved, never served.
func (r *CachingResolver) Resolve(ctx context.Context, didStr string) (*Document, error) {
	if doc := r.cached(didStr); doc != nil {
		observe.RecordDIDResolution("hit")
		observe.Emit(ctx, r.logger, observe.KindDIDResolve,
			zap.String("did", didStr), zap.String("source", "cache"))
		return doc, nil
	}

	type resolved struct {
		doc    *Document
		source string
	}
	res, err := breaker.DoValue(ctx, r.breaker, func(ctx context.Context) (resolved, error) {
		if r.store != nil {
			doc, err := r.fromStore(ctx, didStr)
			if err == nil {
				return resolved{doc: doc, source: "store"}, nil
			}
			if ctx.Err() != nil {
				return resolved{}, err
			}
		}
		doc, err := r.fromWeb(ctx, didStr)
		if err != nil {
			return resolved{}, err
		}
		return resolved{doc: doc, source: "live"}, nil
	})
	if err != nil {
		observe.RecordDIDResolution("error")
		return nil, err
	}

	r.put(didStr, res.doc)
	observe.RecordDIDResolution(res.source)
	observe.Emit(ctx, r.logger, observe.KindDIDResolve,
		zap.String("did", didStr), zap.String("source", res.source))
	return res.doc, nil
}

func (r *CachingResolver) cached(didStr string) *Document {
	r.mu.RLock()
	e, ok := r.cache[didStr]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(e.expiresAt) {
		r.mu.Lock()
		delete(r.cache, didStr)
		r.mu.Unlock()
		return nil
	}
	return e.doc
}

func (r *CachingResolver) put(didStr string, doc *Document) {
	r.mu.Lock()
	r.cache[didStr] = &cacheEntry{doc: doc, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
}

// fromStore builds a document from cached registry key rows.
func (r *CachingResolver) fromStore(ctx context.Context, didStr string) (*Document, error) {
	keys, err := r.store.GetDIDKeys(ctx, didStr)
	if err != nil {
		return nil, err
	}
	doc := &Document{ID: didStr}
	for _, k := range keys {
		doc.VerificationMethod = append(doc.VerificationMethod, VerificationMethod{
			ID:           didStr + "#" + k.KeyFragment,
			Type:         k.KeyType,
			Controller:   didStr,
			PublicKeyPem: k.PublicKey,
		})
	}
	return doc, nil
}

// fromWeb performs live did:web resolution and refreshes the registry
// cache best-effort.
func (r *CachingResolver) fromWeb(ctx context.Context, didStr string) (*Document, error) {
	url, err := WebURL(didStr, r.webScheme)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build did:web request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("did document fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read did document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode did document: %w", err)
	}
	if doc.ID == "" {
		doc.ID = didStr
	}

	if r.store != nil {
		for _, vm := range doc.VerificationMethod {
			frag := vm.ID
			if i := strings.LastIndex(frag, "#"); i >= 0 {
				frag = frag[i+1:]
			}
			if err := r.store.UpsertDIDKey(ctx, &registry.DIDKey{
				DID:         didStr,
				KeyFragment: frag,
				PublicKey:   vm.PublicKeyPem,
				KeyType:     vm.Type,
			}); err != nil {
				r.logger.Debug("did key cache write failed", zap.String("did", didStr), zap.Error(err))
			}
		}
	}
	return &doc, nil
}

// WebURL translates a did:web identifier into its document URL:
// did:web:example.com            -> https://example.com/.well-known/did.json
// did:web:example.com:user:alice -> https://example.com/user/alice/did.json
func WebURL(didStr, scheme string) (string, error) {
	const prefix = "did:web:"
	if !strings.HasPrefix(didStr, prefix) {
		return "", fmt.Errorf("unsupported did method in %q", didStr)
	}
	rest := strings.TrimPrefix(didStr, prefix)
	if rest == "" {
		return "", fmt.Errorf("empty did:web identifier")
	}
	parts := strings.Split(rest, ":")
	// %3A unescapes to a literal colon, used for ports.
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(p, "%3A", ":")
	}
	if len(parts) == 1 {
		return scheme + "://" + parts[0] + "/.well-known/did.json", nil
	}
	return scheme + "://" + parts[0] + "/" + strings.Join(parts[1:], "/") + "/did.json", nil
}
