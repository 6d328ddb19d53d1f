// Package token signs and verifies the asymmetric bearer tokens agents
// present to each other. Tokens are standard three-segment JWTs; the
// signing algorithm is fixed when the codec is created and tokens
// declaring any other algorithm are rejected outright.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// Claims is the decoded payload of a bearer token. The subject and
// issuer are both the sending agent's id; the audience is the
// receiving agent's id.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string       `json:"permissions,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AgentID returns the id of the agent that signed the token.
func (c *Claims) AgentID() string { return c.Subject }

// HasPermissions reports whether every requested permission is present
// in the claims. Comparison is exact string-set inclusion.
func (c *Claims) HasPermissions(required []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		held[p] = struct{}{}
	}
	for _, r := range required {
		if _, ok := held[r]; !ok {
			return false
		}
	}
	return true
}

// VerifyOptions constrain token verification.
type VerifyOptions struct {
	Audience     string // require this value in aud when non-empty
	Issuer       string // require this iss when non-empty
	AllowExpired bool   // accept expired tokens (all other checks still apply)
	Leeway       time.Duration
}

// Codec signs and verifies tokens with a single RSA signing method.
type Codec struct {
	method *jwt.SigningMethodRSA
	alg    string

	now func() time.Time
}

// NewCodec creates a codec for the given JWT algorithm name (RS256,
// RS384, RS512). Non-RSA algorithms, including "none", are rejected.
func NewCodec(alg string) (*Codec, error) {
	if alg == "" {
		alg = "RS256"
	}
	m, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodRSA)
	if !ok || m == nil {
		return nil, phlowerr.Newf(phlowerr.ConfigurationInvalid, "unsupported signing algorithm %q", alg)
	}
	return &Codec{method: m, alg: alg, now: time.Now}, nil
}

// Algorithm returns the configured algorithm name.
func (c *Codec) Algorithm() string { return c.alg }

// Sign fills iat/exp and returns the signed token. The claims' subject
// and issuer must already be set by the caller.
func (c *Codec) Sign(claims *Claims, privateKeyPEM string, ttl time.Duration) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", phlowerr.Wrap(phlowerr.ConfigurationInvalid, "parse private key", err)
	}

	now := c.now().UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's structure, signature and claims against
// publicKeyPEM and opts, returning the claims on success.
//
// Claim validation is performed explicitly (not by the JWT library) so
// every failure maps onto exactly one taxonomy kind and AllowExpired
// can skip the expiry check without weakening anything else.
func (c *Codec) Verify(tokenStr, publicKeyPEM string, opts VerifyOptions) (*Claims, error) {
	if strings.Count(tokenStr, ".") != 2 {
		return nil, phlowerr.New(phlowerr.TokenMalformed, "token is not three segments")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.alg}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return jwt.ParseRSAPublicKeyFromPEM([]byte(publicKeyPEM))
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, phlowerr.Wrap(phlowerr.TokenMalformed, "parse token", err)
		default:
			// Signature failures, algorithm mismatches and unusable
			// keys all land here: the signature could not be validated.
			return nil, phlowerr.Wrap(phlowerr.TokenSignatureInvalid, "validate signature", err)
		}
	}

	return claims, c.validateClaims(claims, opts)
}

func (c *Codec) validateClaims(claims *Claims, opts VerifyOptions) error {
	now := c.now()

	if claims.ExpiresAt == nil {
		return phlowerr.New(phlowerr.TokenClaimMismatch, "exp claim missing")
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(claims.ExpiresAt.Time) {
		return phlowerr.New(phlowerr.TokenClaimMismatch, "iat is after exp")
	}
	if !opts.AllowExpired && claims.ExpiresAt.Add(opts.Leeway).Before(now) {
		return phlowerr.Newf(phlowerr.TokenExpired, "token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	if claims.Subject != claims.Issuer {
		return phlowerr.New(phlowerr.TokenClaimMismatch, "sub and iss differ")
	}
	if opts.Issuer != "" && claims.Issuer != opts.Issuer {
		return phlowerr.Newf(phlowerr.TokenClaimMismatch, "issuer %q does not match expected %q", claims.Issuer, opts.Issuer)
	}
	if opts.Audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == opts.Audience {
				found = true
				break
			}
		}
		if !found {
			return phlowerr.Newf(phlowerr.TokenClaimMismatch, "audience does not include %q", opts.Audience)
		}
	}
	return nil
}

// DecodeUnsafe parses claims WITHOUT any signature or claim
// validation. It exists for expiry inspection and test tooling only;
// never authenticate with it.
func DecodeUnsafe(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims)
	if err != nil {
		return nil, phlowerr.Wrap(phlowerr.TokenMalformed, "decode token", err)
	}
	return claims, nil
}

// Hash returns the limiter/audit key for a token: the hex-encoded
// first half of its SHA-256 digest. The full token never leaves the
// pipeline.
func Hash(tokenStr string) string {
	sum := sha256.Sum256([]byte(tokenStr))
	return hex.EncodeToString(sum[:16])
}

// ParseTTL parses a duration string with suffixes s, m, h or d
// ("30s", "15m", "2h", "7d").
func ParseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, phlowerr.New(phlowerr.ConfigurationInvalid, "empty ttl")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days < 0 {
			return 0, phlowerr.Newf(phlowerr.ConfigurationInvalid, "invalid ttl %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, phlowerr.Newf(phlowerr.ConfigurationInvalid, "invalid ttl %q", s)
	}
	return d, nil
}
