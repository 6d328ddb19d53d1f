// Package roleexchange implements the two-message role-credential
// exchange: a verifying agent asks a peer for proof of a role, the
// peer answers with a signed verifiable presentation bound to the
// request nonce.
package roleexchange

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/phlow-auth/phlow-go/pkg/credential"
)

// Message type discriminators on the peer transport.
const (
	TypeRoleRequest  = "role-credential-request"
	TypeRoleResponse = "role-credential-response"
)

// RoleRequest asks a peer to prove it holds RequiredRole. Nonce binds
// the response to this request.
type RoleRequest struct {
	Type         string         `json:"type"`
	RequiredRole string         `json:"requiredRole"`
	Context      map[string]any `json:"context,omitempty"`
	Nonce        string         `json:"nonce"`
}

// RoleResponse answers a RoleRequest with either a presentation or an
// error. The nonce must echo the request's exactly.
type RoleResponse struct {
	Type         string                   `json:"type"`
	Nonce        string                   `json:"nonce"`
	Presentation *credential.Presentation `json:"presentation,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// NewNonce returns a fresh 128-bit hex nonce.
func NewNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
