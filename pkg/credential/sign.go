package credential

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// ProofTypeRSA is the proof type string for RSA-PKCS1v15-SHA256 proofs.
const ProofTypeRSA = "RsaSignature2018"

// SignCredential attaches a proof to the credential, signing its
// canonical form with the issuer's RSA private key.
// verificationMethod names the issuer DID key that verifies the proof,
// e.g. "did:example:issuer1#key-1".
func SignCredential(c *Credential, privateKeyPEM, verificationMethod string) error {
	sig, err := signCanonical(func() ([]byte, error) { return SigningInput(c) }, privateKeyPEM)
	if err != nil {
		return err
	}
	c.Proof = &Proof{
		Type:               ProofTypeRSA,
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: verificationMethod,
		ProofPurpose:       "assertionMethod",
		ProofValue:         sig,
	}
	return nil
}

// SignPresentation attaches a holder proof to the presentation.
func SignPresentation(p *Presentation, privateKeyPEM, verificationMethod string) error {
	sig, err := signCanonical(func() ([]byte, error) { return PresentationSigningInput(p) }, privateKeyPEM)
	if err != nil {
		return err
	}
	p.Proof = &Proof{
		Type:               ProofTypeRSA,
		Created:            time.Now().UTC().Format(time.RFC3339),
		VerificationMethod: verificationMethod,
		ProofPurpose:       "authentication",
		ProofValue:         sig,
	}
	return nil
}

func signCanonical(input func() ([]byte, error), privateKeyPEM string) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", phlowerr.Wrap(phlowerr.ConfigurationInvalid, "parse signing key", err)
	}
	canon, err := input()
	if err != nil {
		return "", phlowerr.Wrap(phlowerr.CredentialMalformed, "canonicalize", err)
	}
	digest := sha256.Sum256(canon)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", phlowerr.Wrap(phlowerr.CredentialSignatureInvalid, "sign credential", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}
