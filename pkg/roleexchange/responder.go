package roleexchange

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/phlow-auth/phlow-go/pkg/credential"
)

// CredentialStore holds the credentials an agent can present about
// itself. A nil credential with nil error means no credential for that
// role.
type CredentialStore interface {
	CredentialForRole(ctx context.Context, role string) (*credential.Credential, error)
}

// MemoryCredentialStore is an in-process CredentialStore.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds []credential.Credential
}

// NewMemoryCredentialStore creates an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

// Add registers a held credential.
func (s *MemoryCredentialStore) Add(c credential.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, c)
}

func (s *MemoryCredentialStore) CredentialForRole(_ context.Context, role string) (*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.creds {
		if s.creds[i].HasRole(role) {
			cp := s.creds[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// Responder answers incoming role-credential requests on behalf of the
// local agent.
type Responder struct {
	creds              CredentialStore
	holderDID          string
	privateKeyPEM      string
	verificationMethod string
	logger             *zap.Logger
}

// NewResponder creates a responder. verificationMethod names the key
// peers use to check the presentation proof.
func NewResponder(creds CredentialStore, holderDID, privateKeyPEM, verificationMethod string, logger *zap.Logger) *Responder {
	return &Responder{
		creds:              creds,
		holderDID:          holderDID,
		privateKeyPEM:      privateKeyPEM,
		verificationMethod: verificationMethod,
		logger:             logger,
	}
}

// HandleRoleRequest builds the response to a role request. The request
// nonce is echoed on every path, including errors.
func (r *Responder) HandleRoleRequest(ctx context.Context, req *RoleRequest) *RoleResponse {
	resp := &RoleResponse{Type: TypeRoleResponse, Nonce: req.Nonce}

	if req.Type != TypeRoleRequest || req.RequiredRole == "" {
		resp.Error = "malformed role request"
		return resp
	}

	cred, err := r.creds.CredentialForRole(ctx, req.RequiredRole)
	if err != nil {
		r.logger.Error("credential lookup failed",
			zap.String("role", req.RequiredRole), zap.Error(err))
		resp.Error = "credential lookup failed"
		return resp
	}
	if cred == nil {
		resp.Error = "no credential held for role " + req.RequiredRole
		return resp
	}

	p := &credential.Presentation{
		Context:              []string{"https://www.w3.org/2018/credentials/v1"},
		Type:                 []string{"VerifiablePresentation"},
		Holder:               r.holderDID,
		VerifiableCredential: []credential.Credential{*cred},
	}
	if err := credential.SignPresentation(p, r.privateKeyPEM, r.verificationMethod); err != nil {
		r.logger.Error("presentation signing failed",
			zap.String("role", req.RequiredRole), zap.Error(err))
		resp.Error = "presentation signing failed"
		return resp
	}

	resp.Presentation = p
	return resp
}
