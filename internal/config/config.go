// Package config loads and validates the mediator's YAML configuration. A
// config that fails validation is a startup error; the binaries exit with
// code 2 rather than run with a guessed value for anything
// security-relevant.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"didcomm_mediator/internal/acl"
	"didcomm_mediator/internal/utils/hash"
)

type (
	Config struct {
		Mediator   Mediator   `yaml:"mediator"`
		Server     Server     `yaml:"server"`
		Store      Store      `yaml:"store"`
		Security   Security   `yaml:"security"`
		Limits     Limits     `yaml:"limits"`
		ACL        ACL        `yaml:"acl"`
		Processors Processors `yaml:"processors"`
		Resolver   ResolverC  `yaml:"resolver"`
		Logging    Logging    `yaml:"logging"`
	}

	Mediator struct {
		DID     string   `yaml:"did"`
		Aliases []string `yaml:"aliases"`
		// AgreementSeed is the hex X25519 private key the built-in envelope
		// codec decrypts with. Deployments using an external DIDComm crypto
		// library leave it empty.
		AgreementSeed string `yaml:"agreement_seed"`
		RootAdminDID  string `yaml:"root_admin_did"`
	}

	Server struct {
		Listen           string   `yaml:"listen"`
		CORSAllowOrigins []string `yaml:"cors_allow_origins"`
		TLS              TLS      `yaml:"tls"`
	}

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	}

	Store struct {
		URL      string `yaml:"url"`
		PoolSize int    `yaml:"pool_size"`
	}

	Security struct {
		// JWTSigningSeed is the hex ed25519 seed the access tokens are
		// signed with. Rotating it invalidates every outstanding token.
		JWTSigningSeed string `yaml:"jwt_signing_seed"`
		ChallengeTTLS  int    `yaml:"challenge_ttl_s"`
		JWTAccessTTLS  int    `yaml:"jwt_access_ttl_s"`
		JWTRefreshTTLS int    `yaml:"jwt_refresh_ttl_s"`
	}

	Limits struct {
		MaxMessageBytes      int64 `yaml:"max_message_bytes"`
		MessageExpirySeconds int64 `yaml:"message_expiry_seconds"` // hard cap
		DefaultExpirySeconds int64 `yaml:"default_expiry_seconds"`
		HardReceiveLimit     int64 `yaml:"hard_receive_limit"`
		HardSendLimit        int64 `yaml:"hard_send_limit"`
		DeliverBatch         int   `yaml:"deliver_batch"`
		WSQueueCap           int   `yaml:"ws_queue_cap"`
		OOBInviteTTLS        int   `yaml:"oob_invite_ttl_s"`
	}

	ACL struct {
		// Default is the hex bitmap applied to DIDs without a record.
		Default string `yaml:"default"`
	}

	Processors struct {
		ExpiryIntervalS  int `yaml:"expiry_interval_s"`
		ForwardIntervalS int `yaml:"forward_interval_s"`
		ForwardBatch     int `yaml:"forward_batch"`
		HTTPTimeoutS     int `yaml:"http_timeout_s"`
		ForwardRetryMaxS int `yaml:"forward_retry_max_s"`
	}

	ResolverC struct {
		CacheSize int `yaml:"cache_size"`
		CacheTTLS int `yaml:"cache_ttl_s"`
	}

	Logging struct {
		JSON                 bool     `yaml:"json"`
		Level                string   `yaml:"level"`
		StatisticsIntervalS  int      `yaml:"statistics_interval_s"`
		StatisticsAttributes []string `yaml:"statistics_attributes"`
	}
)

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Store.PoolSize <= 0 {
		c.Store.PoolSize = 10
	}
	if c.Security.ChallengeTTLS <= 0 {
		c.Security.ChallengeTTLS = 60
	}
	if c.Security.JWTAccessTTLS <= 0 {
		c.Security.JWTAccessTTLS = 900
	}
	if c.Security.JWTRefreshTTLS <= 0 {
		c.Security.JWTRefreshTTLS = 86400
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits.MaxMessageBytes = 1 << 20
	}
	if c.Limits.MessageExpirySeconds <= 0 {
		c.Limits.MessageExpirySeconds = 7 * 24 * 3600
	}
	if c.Limits.DefaultExpirySeconds <= 0 {
		c.Limits.DefaultExpirySeconds = 3 * 24 * 3600
	}
	if c.Limits.DeliverBatch <= 0 {
		c.Limits.DeliverBatch = 100
	}
	if c.Limits.WSQueueCap <= 0 {
		c.Limits.WSQueueCap = 32
	}
	if c.Limits.OOBInviteTTLS <= 0 {
		c.Limits.OOBInviteTTLS = 86400
	}
	if c.ACL.Default == "" {
		// Inbound, outbound and authentication; nothing anonymous, nothing
		// self-managed.
		c.ACL.Default = acl.Set(0).
			With(acl.AllowInbound).With(acl.AllowOutbound).With(acl.AllowAuth).Hex()
	}
	if c.Processors.ExpiryIntervalS <= 0 {
		c.Processors.ExpiryIntervalS = 60
	}
	if c.Processors.ForwardIntervalS <= 0 {
		c.Processors.ForwardIntervalS = 5
	}
	if c.Processors.ForwardBatch <= 0 {
		c.Processors.ForwardBatch = 50
	}
	if c.Processors.HTTPTimeoutS <= 0 {
		c.Processors.HTTPTimeoutS = 30
	}
	if c.Processors.ForwardRetryMaxS <= 0 {
		c.Processors.ForwardRetryMaxS = 3600
	}
	if c.Resolver.CacheSize <= 0 {
		c.Resolver.CacheSize = 1000
	}
	if c.Resolver.CacheTTLS <= 0 {
		c.Resolver.CacheTTLS = 300
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.StatisticsIntervalS <= 0 {
		c.Logging.StatisticsIntervalS = 60
	}
}

func (c *Config) validate() error {
	if c.Mediator.DID == "" {
		return fmt.Errorf("mediator.did is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Security.JWTAccessTTLS < 10 {
		return fmt.Errorf("security.jwt_access_ttl_s must be at least 10")
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}
	if _, err := c.AgreementSecret(); err != nil {
		return err
	}
	if _, err := acl.ParseHex(c.ACL.Default); err != nil {
		return fmt.Errorf("acl.default: %w", err)
	}
	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	return nil
}

// SigningKey derives the ed25519 private key from the configured seed.
func (c *Config) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(c.Security.JWTSigningSeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("security.jwt_signing_seed must be %d hex bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// AgreementSecret decodes the optional X25519 private key for the built-in
// envelope codec. Returns nil when unset.
func (c *Config) AgreementSecret() ([]byte, error) {
	if c.Mediator.AgreementSeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Mediator.AgreementSeed)
	if err != nil || len(seed) != 32 {
		return nil, fmt.Errorf("mediator.agreement_seed must be 32 hex bytes")
	}
	return seed, nil
}

// DefaultACL returns the parsed default bitmap. Only valid after Load.
func (c *Config) DefaultACL() acl.Set {
	set, _ := acl.ParseHex(c.ACL.Default)
	return set
}

// SelfHashes returns the did_hash set covering the mediator DID and every
// alias.
func (c *Config) SelfHashes() map[string]bool {
	out := map[string]bool{hash.DID(c.Mediator.DID): true}
	for _, alias := range c.Mediator.Aliases {
		out[hash.DID(alias)] = true
	}
	return out
}

// RootAdminHash returns the did_hash of the configured root admin, or empty.
func (c *Config) RootAdminHash() string {
	if c.Mediator.RootAdminDID == "" {
		return ""
	}
	return hash.DID(c.Mediator.RootAdminDID)
}

func (c *Config) ChallengeTTL() time.Duration  { return time.Duration(c.Security.ChallengeTTLS) * time.Second }
func (c *Config) AccessTTL() time.Duration     { return time.Duration(c.Security.JWTAccessTTLS) * time.Second }
func (c *Config) RefreshTTL() time.Duration    { return time.Duration(c.Security.JWTRefreshTTLS) * time.Second }
func (c *Config) DefaultExpiry() time.Duration { return time.Duration(c.Limits.DefaultExpirySeconds) * time.Second }
func (c *Config) MaxExpiry() time.Duration     { return time.Duration(c.Limits.MessageExpirySeconds) * time.Second }
func (c *Config) OOBInviteTTL() time.Duration  { return time.Duration(c.Limits.OOBInviteTTLS) * time.Second }
