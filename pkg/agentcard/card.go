// Package agentcard defines the agent card: the registry record that
// identifies a peer agent, and the read-only discovery document served
// at /.well-known/agent.json.
package agentcard

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// AgentCard describes a peer agent. Cards are created by the registry
// owner and never mutated at runtime; the core holds short-lived copies.
type AgentCard struct {
	AgentID     string         `json:"agent_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	PublicKey   string         `json:"public_key"` // PEM-encoded RSA public key
	ServiceURL  string         `json:"service_url,omitempty"`
	Skills      []string       `json:"skills,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks the card invariants: a non-empty agent id and a
// well-formed public key.
func (c *AgentCard) Validate() error {
	if c.AgentID == "" {
		return phlowerr.New(phlowerr.ConfigurationInvalid, "agent card missing agent_id")
	}
	if _, err := ParsePublicKey(c.PublicKey); err != nil {
		return err
	}
	return nil
}

// ParsePublicKey decodes a PEM-encoded RSA public key. Both PKIX
// ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") encodings are accepted.
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, phlowerr.New(phlowerr.ConfigurationInvalid, "public key is not PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, phlowerr.Wrap(phlowerr.ConfigurationInvalid, "parse public key", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, phlowerr.Newf(phlowerr.ConfigurationInvalid, "public key is %T, want RSA", parsed)
	}
	return key, nil
}

// Parse decodes and validates an AgentCard from JSON bytes.
func Parse(data []byte) (*AgentCard, error) {
	var card AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("decode agent card: %w", err)
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return &card, nil
}

// WellKnownSkill is a single skill listing in the discovery document.
type WellKnownSkill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SecurityScheme describes how a peer authenticates to this agent.
type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme"`
}

// WellKnownDocument is the JSON body served at /.well-known/agent.json.
// It is a read-only projection of the self agent card and requires no
// authentication to fetch.
type WellKnownDocument struct {
	SchemaVersion   string                    `json:"schemaVersion"`
	Name            string                    `json:"name"`
	Description     string                    `json:"description,omitempty"`
	ServiceURL      string                    `json:"serviceUrl,omitempty"`
	Skills          []WellKnownSkill          `json:"skills"`
	SecuritySchemes map[string]SecurityScheme `json:"securitySchemes"`
	PublicKey       string                    `json:"publicKey"`
	Metadata        map[string]any            `json:"metadata,omitempty"`
}

// WellKnown builds the discovery document for this card.
func (c *AgentCard) WellKnown() *WellKnownDocument {
	skills := make([]WellKnownSkill, 0, len(c.Skills))
	for _, s := range c.Skills {
		skills = append(skills, WellKnownSkill{Name: s})
	}
	return &WellKnownDocument{
		SchemaVersion: "1.0",
		Name:          c.Name,
		Description:   c.Description,
		ServiceURL:    c.ServiceURL,
		Skills:        skills,
		SecuritySchemes: map[string]SecurityScheme{
			"bearer": {Type: "bearer", Scheme: "bearer"},
		},
		PublicKey: c.PublicKey,
		Metadata:  c.Metadata,
	}
}
