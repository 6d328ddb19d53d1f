// Package credential implements Verifiable Credentials and
// Presentations as used by the role exchange: W3C-shaped JSON
// structures carrying role assertions, signed by their issuer and
// verified against the issuer's DID document.
package credential

import (
	"time"
)

// Proof is the signature block attached to a credential or
// presentation.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created,omitempty"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose,omitempty"`
	ProofValue         string `json:"proofValue"`
}

// Credential is a single verifiable credential. CredentialSubject must
// contain a "role" member holding either a string or an array of
// strings.
type Credential struct {
	Context           any            `json:"@context,omitempty"`
	ID                string         `json:"id,omitempty"`
	Type              []string       `json:"type,omitempty"`
	Issuer            string         `json:"issuer"`
	IssuanceDate      string         `json:"issuanceDate,omitempty"`
	ExpirationDate    string         `json:"expirationDate,omitempty"`
	CredentialSubject map[string]any `json:"credentialSubject"`
	Proof             *Proof         `json:"proof,omitempty"`
}

// Roles extracts the role assertion(s) from the credential subject.
func (c *Credential) Roles() []string {
	if c.CredentialSubject == nil {
		return nil
	}
	switch v := c.CredentialSubject["role"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// HasRole reports whether the credential asserts the given role.
func (c *Credential) HasRole(role string) bool {
	for _, r := range c.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// ExpiresAt parses the credential's expiration date, returning the
// zero time when none is set.
func (c *Credential) ExpiresAt() (time.Time, error) {
	if c.ExpirationDate == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, c.ExpirationDate)
}

// Presentation wraps one or more credentials. It is signed by the
// holder when sent over the role exchange.
type Presentation struct {
	Context              any          `json:"@context,omitempty"`
	Type                 []string     `json:"type,omitempty"`
	Holder               string       `json:"holder,omitempty"`
	VerifiableCredential []Credential `json:"verifiableCredential"`
	Proof                *Proof       `json:"proof,omitempty"`
}
