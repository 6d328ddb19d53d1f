// Package did resolves decentralized identifiers to their documents.
//
// Resolution order: in-memory TTL cache, then the registry's
// did_public_keys rows, then a live did:web document fetch. The two
// I/O paths run behind the didResolver circuit breaker.
package did

import "context"

// VerificationMethod is a public key entry in a DID document.
type VerificationMethod struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Controller   string `json:"controller,omitempty"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Document is the resolved form of a DID: the identifier plus its
// verification methods.
type Document struct {
	Context            any                  `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
}

// Method returns the verification method with the given id, matching
// either the full id or its bare "#fragment" suffix.
func (d *Document) Method(id string) (*VerificationMethod, bool) {
	for i := range d.VerificationMethod {
		vm := &d.VerificationMethod[i]
		if vm.ID == id {
			return vm, true
		}
		if len(id) > 0 && id[0] == '#' && vm.ID == d.ID+id {
			return vm, true
		}
	}
	return nil, false
}

// Resolver translates a DID into its document.
type Resolver interface {
	Resolve(ctx context.Context, didStr string) (*Document, error)
}
