package phlow

import (
	"context"
	"os"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// KeyStore supplies the local agent's PEM-encoded RSA private key.
// Implementations may load from memory, disk, or a secret manager.
type KeyStore interface {
	PrivateKey(ctx context.Context) (string, error)
}

// StaticKeyStore holds the key in memory (the common case: key comes
// in via configuration).
type StaticKeyStore string

func (s StaticKeyStore) PrivateKey(context.Context) (string, error) {
	if s == "" {
		return "", phlowerr.New(phlowerr.ConfigurationInvalid, "private key not configured")
	}
	return string(s), nil
}

// FileKeyStore reads the key from disk on every call, so rotation
// needs no restart.
type FileKeyStore struct {
	Path string
}

func (f FileKeyStore) PrivateKey(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", phlowerr.Wrap(phlowerr.ConfigurationInvalid, "read private key file", err)
	}
	return string(b), nil
}
