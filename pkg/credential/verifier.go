package credential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/phlow-auth/phlow-go/pkg/agentcard"
	"github.com/phlow-auth/phlow-go/pkg/did"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// RoleAssertion is one verified {role, issuer} pair extracted from a
// presentation.
type RoleAssertion struct {
	Role   string
	Issuer string
}

// Verifier validates presentations against issuer DID documents. It
// performs no I/O beyond the resolver call and is deterministic for a
// fixed clock.
type Verifier struct {
	resolver did.Resolver
	now      func() time.Time
}

// NewVerifier creates a Verifier backed by the given DID resolver.
func NewVerifier(resolver did.Resolver) *Verifier {
	return &Verifier{resolver: resolver, now: time.Now}
}

// Verify checks every credential in the presentation and returns the
// role assertions they carry. A single invalid credential fails the
// whole presentation.
func (v *Verifier) Verify(ctx context.Context, p *Presentation) ([]RoleAssertion, error) {
	if p == nil || len(p.VerifiableCredential) == 0 {
		return nil, phlowerr.New(phlowerr.CredentialMalformed, "presentation carries no credentials")
	}

	var roles []RoleAssertion
	for i := range p.VerifiableCredential {
		cred := &p.VerifiableCredential[i]
		asserted, err := v.verifyCredential(ctx, cred)
		if err != nil {
			return nil, err
		}
		roles = append(roles, asserted...)
	}
	return roles, nil
}

func (v *Verifier) verifyCredential(ctx context.Context, c *Credential) ([]RoleAssertion, error) {
	if c.Issuer == "" {
		return nil, phlowerr.New(phlowerr.CredentialMalformed, "credential missing issuer")
	}
	if c.Proof == nil || c.Proof.ProofValue == "" || c.Proof.VerificationMethod == "" {
		return nil, phlowerr.New(phlowerr.CredentialMalformed, "credential missing proof")
	}

	if c.ExpirationDate != "" {
		exp, err := c.ExpiresAt()
		if err != nil {
			return nil, phlowerr.Wrap(phlowerr.CredentialMalformed, "parse expirationDate", err)
		}
		if !exp.After(v.now()) {
			return nil, phlowerr.Newf(phlowerr.CredentialExpired, "credential expired at %s", c.ExpirationDate)
		}
	}

	doc, err := v.resolver.Resolve(ctx, c.Issuer)
	if err != nil {
		// Fail-fast breaker signals pass through unchanged.
		switch phlowerr.KindOf(err) {
		case phlowerr.CircuitOpen, phlowerr.OperationTimeout, phlowerr.Cancelled:
			return nil, err
		}
		return nil, phlowerr.Wrap(phlowerr.IssuerUnresolved, "resolve issuer "+c.Issuer, err)
	}
	if doc == nil {
		return nil, phlowerr.Newf(phlowerr.IssuerUnresolved, "issuer %s has no DID document", c.Issuer)
	}

	vm, ok := doc.Method(c.Proof.VerificationMethod)
	if !ok {
		return nil, phlowerr.Newf(phlowerr.VerificationMethodNotFound,
			"verification method %q not in DID document for %s", c.Proof.VerificationMethod, c.Issuer)
	}

	key, err := agentcard.ParsePublicKey(vm.PublicKeyPem)
	if err != nil {
		return nil, phlowerr.Wrap(phlowerr.VerificationMethodNotFound, "parse verification key", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(c.Proof.ProofValue)
	if err != nil {
		return nil, phlowerr.Wrap(phlowerr.CredentialMalformed, "decode proofValue", err)
	}
	input, err := SigningInput(c)
	if err != nil {
		return nil, phlowerr.Wrap(phlowerr.CredentialMalformed, "canonicalize credential", err)
	}
	digest := sha256.Sum256(input)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return nil, phlowerr.Wrap(phlowerr.CredentialSignatureInvalid, "verify credential proof", err)
	}

	rs := c.Roles()
	if len(rs) == 0 {
		return nil, phlowerr.New(phlowerr.CredentialMalformed, "credentialSubject carries no role")
	}
	out := make([]RoleAssertion, 0, len(rs))
	for _, r := range rs {
		out = append(out, RoleAssertion{Role: r, Issuer: c.Issuer})
	}
	return out, nil
}
