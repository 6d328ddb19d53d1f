package phlow

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/phlow-auth/phlow-go/internal/breaker"
	"github.com/phlow-auth/phlow-go/pkg/phlowerr"
)

// BreakerSettings configures one named circuit breaker, in the units
// the environment exposes.
type BreakerSettings struct {
	FailureThreshold   int   `mapstructure:"failure_threshold"`
	RecoveryMillis     int64 `mapstructure:"recovery_millis"`
	OperationTimeoutMS int64 `mapstructure:"operation_timeout_millis"`
}

func (b BreakerSettings) toConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		Recovery:         time.Duration(b.RecoveryMillis) * time.Millisecond,
		OperationTimeout: time.Duration(b.OperationTimeoutMS) * time.Millisecond,
	}
}

// Config is the agent's static configuration, validated once at
// startup.
type Config struct {
	AgentID     string `mapstructure:"agent_id"`
	AgentName   string `mapstructure:"agent_name"`
	Description string `mapstructure:"description"`
	ServiceURL  string `mapstructure:"service_url"`

	// PEM-encoded RSA keypair of the local agent.
	PrivateKey string `mapstructure:"private_key"`
	PublicKey  string `mapstructure:"public_key"`

	// Decentralized identity of the local agent, used when presenting
	// credentials to peers. AgentDID may be empty for agents that never
	// respond to role requests.
	AgentDID       string `mapstructure:"agent_did"`
	AgentDIDKeyFrg string `mapstructure:"agent_did_key_fragment"`

	// Postgres connection string of the shared registry. Empty selects
	// the in-memory store (tests, single-process development).
	RegistryURL string `mapstructure:"registry_url"`

	// Shared rate-limit backend. Empty selects the in-process window.
	RateLimitSharedURL string `mapstructure:"rate_limit_shared_url"`
	RateLimitMax       int    `mapstructure:"rate_limit_max"`
	RateLimitWindowMS  int64  `mapstructure:"rate_limit_window_ms"`

	TokenTTL string `mapstructure:"token_ttl"` // s|m|h|d suffix

	Breakers struct {
		Registry      BreakerSettings `mapstructure:"registry"`
		DIDResolver   BreakerSettings `mapstructure:"did_resolver"`
		PeerMessaging BreakerSettings `mapstructure:"peer_messaging"`
	} `mapstructure:"breakers"`

	DIDCacheTTLMS      int64 `mapstructure:"did_cache_ttl_ms"`
	VerifiedRoleTTLMS  int64 `mapstructure:"verified_role_ttl_ms"`
	PeerCallTimeoutMS  int64 `mapstructure:"peer_call_timeout_millis"`
	AuditLogEnabled    bool  `mapstructure:"audit_log_enabled"`
	AllowExpiredTokens bool  `mapstructure:"allow_expired_tokens"`
}

func (c *Config) rateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

func (c *Config) didCacheTTL() time.Duration {
	return time.Duration(c.DIDCacheTTLMS) * time.Millisecond
}

func (c *Config) verifiedRoleTTL() time.Duration {
	return time.Duration(c.VerifiedRoleTTLMS) * time.Millisecond
}

// DID returns the local agent's decentralized identifier, possibly
// empty.
func (c *Config) DID() string { return c.AgentDID }

// VerificationMethod returns the DID key reference peers verify local
// presentations against.
func (c *Config) VerificationMethod() string {
	if c.AgentDID == "" {
		return ""
	}
	frag := c.AgentDIDKeyFrg
	if frag == "" {
		frag = "key-1"
	}
	return c.AgentDID + "#" + frag
}

// Validate checks the configuration. Errors are ConfigurationInvalid
// and fatal at startup.
func (c *Config) Validate() error {
	switch {
	case c.AgentID == "":
		return phlowerr.New(phlowerr.ConfigurationInvalid, "agent_id is required")
	case c.PrivateKey == "":
		return phlowerr.New(phlowerr.ConfigurationInvalid, "private_key is required")
	case c.PublicKey == "":
		return phlowerr.New(phlowerr.ConfigurationInvalid, "public_key is required")
	case c.RateLimitMax < 0:
		return phlowerr.New(phlowerr.ConfigurationInvalid, "rate_limit_max must be non-negative")
	case c.RateLimitWindowMS < 0:
		return phlowerr.New(phlowerr.ConfigurationInvalid, "rate_limit_window_ms must be non-negative")
	}
	for _, b := range []struct {
		name string
		s    BreakerSettings
	}{
		{"registry", c.Breakers.Registry},
		{"did_resolver", c.Breakers.DIDResolver},
		{"peer_messaging", c.Breakers.PeerMessaging},
	} {
		if b.s.FailureThreshold < 0 || b.s.RecoveryMillis < 0 || b.s.OperationTimeoutMS < 0 {
			return phlowerr.Newf(phlowerr.ConfigurationInvalid,
				"breakers.%s values must be non-negative", b.name)
		}
	}
	return nil
}

// LoadConfig reads configuration from the environment (PHLOW_ prefix,
// dots become underscores) and optionally a config file, applies
// defaults, and validates.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PHLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv-only values survive
	// Unmarshal.
	for _, key := range []string{
		"agent_id", "agent_name", "description", "service_url",
		"private_key", "public_key", "agent_did", "agent_did_key_fragment",
		"registry_url", "rate_limit_shared_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("allow_expired_tokens", false)
	v.SetDefault("rate_limit_max", 60)
	v.SetDefault("rate_limit_window_ms", 60000)
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("did_cache_ttl_ms", 3600000)
	v.SetDefault("verified_role_ttl_ms", 3600000)
	v.SetDefault("peer_call_timeout_millis", 10000)
	v.SetDefault("audit_log_enabled", true)
	for _, name := range []string{"registry", "did_resolver", "peer_messaging"} {
		v.SetDefault("breakers."+name+".failure_threshold", 5)
		v.SetDefault("breakers."+name+".recovery_millis", 60000)
		v.SetDefault("breakers."+name+".operation_timeout_millis", 15000)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, phlowerr.Wrap(phlowerr.ConfigurationInvalid, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, phlowerr.Wrap(phlowerr.ConfigurationInvalid, "decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
