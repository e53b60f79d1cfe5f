// Package config loads the YAML configuration for the console daemon and
// its host-side client, following the same defaults-then-file-override
// shape the teacher uses for its layered settings, rendered in YAML as the
// teacher's richer configs are.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TicketPolicy selects the ticket size/subject rules (spec.md §3, §9).
type TicketPolicy string

const (
	PolicyNinedoor TicketPolicy = "ninedoor"
	PolicyTCP      TicketPolicy = "tcp"
)

// MaxTicketBytes returns the maximum encoded ticket length for the policy.
func (p TicketPolicy) MaxTicketBytes() int {
	switch p {
	case PolicyNinedoor:
		return 4096
	default:
		return 1024
	}
}

// ServerConfig configures the device-side session server, CAS engine, and
// trace consensus peer endpoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	MaxMsize            int `yaml:"max_msize"`
	AuthTimeoutMS       int `yaml:"auth_timeout_ms"`
	IdleTimeoutMS       int `yaml:"idle_timeout_ms"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"` // 0 disables server-initiated PINGs
	QueueDepth          int `yaml:"queue_depth"`
	LatencySamples      int `yaml:"latency_samples"`
	PreAuthFirst        int `yaml:"pre_auth_first"`
	PreAuthLast         int `yaml:"pre_auth_last"`

	AuthToken    string       `yaml:"-"` // never read from file; see ResolveAuthToken
	TicketPolicy TicketPolicy `yaml:"ticket_policy"`

	CASChunkBytes   int    `yaml:"cas_chunk_bytes"`
	CASRequireSign  bool   `yaml:"cas_require_signature"`
	CASVerifyKeyB64 string `yaml:"cas_verify_key_base64"`

	TraceLocalID            string            `yaml:"trace_local_id"`
	TraceKeyDir             string            `yaml:"trace_key_dir"`
	TracePeers              []string          `yaml:"trace_peers"`
	TracePeerKeys           map[string]string `yaml:"trace_peer_keys"` // peer URL -> base64 ed25519 pubkey
	TraceRoundIntervalMS    int               `yaml:"trace_round_interval_ms"`
	TraceSecurityPolicyPath string            `yaml:"trace_security_policy_path"` // hashed onto fault records; "" uses default search paths

	DatabasePath string `yaml:"database_path"`
}

// Defaults matches spec.md §9's notes on the two independently configurable
// queue-depth constants and the documented timeout defaults.
func Defaults() ServerConfig {
	return ServerConfig{
		ListenAddr:          "127.0.0.1:5640",
		MaxMsize:            8192,
		AuthTimeoutMS:       5000,
		IdleTimeoutMS:       300000,
		HeartbeatIntervalMS: 30000,
		QueueDepth:          64,
		LatencySamples:      16,
		PreAuthFirst:        4,
		PreAuthLast:         4,
		TicketPolicy:        PolicyTCP,
		CASChunkBytes:       1 << 20,
		DatabasePath:        "cohesix.db",

		TraceKeyDir:          ".",
		TraceRoundIntervalMS: 30000,
	}
}

// LoadServerConfig reads YAML config over the defaults. The auth token is
// never read from the file; ResolveAuthToken supplies it from the
// environment (spec.md §6, Open Questions).
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read server config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse server config: %w", err)
	}
	return cfg, nil
}

// ClientConfig configures the host-side session client.
type ClientConfig struct {
	Endpoint string `yaml:"endpoint"`

	MaxMsize          int           `yaml:"max_msize"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RetryCeiling      time.Duration `yaml:"retry_ceiling"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	LockEnabled bool   `yaml:"lock_enabled"`
	LockDir     string `yaml:"lock_dir"`

	AuthToken string `yaml:"-"`
}

func ClientDefaults() ClientConfig {
	return ClientConfig{
		Endpoint:          "127.0.0.1:5640",
		MaxMsize:          8192,
		ReadTimeout:       2 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      200 * time.Millisecond,
		RetryCeiling:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LockEnabled:       true,
		LockDir:           os.TempDir(),
	}
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := ClientDefaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read client config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse client config: %w", err)
	}
	return cfg, nil
}

// EffectiveDeadline is the total time budget for an operation that may
// retry across heartbeats (spec.md §5): timeout × (max_retries+1) + heartbeat_interval.
func (c ClientConfig) EffectiveDeadline() time.Duration {
	return c.ReadTimeout*time.Duration(c.MaxRetries+1) + c.HeartbeatInterval
}

// DefaultAuthToken is the compiled-in fallback token. spec.md §6/§9 flags
// this as an explicit opt-in: ResolveAuthToken only returns it when
// allowDefault is true, and operators are expected to configure a real
// token instead.
const DefaultAuthToken = "changeme"

// ResolveAuthToken sources the token from explicit config, then environment,
// refusing the compiled-in default unless allowDefault is explicitly set.
func ResolveAuthToken(explicit, envVar string, allowDefault bool) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv(envVar); v != "" {
		return v, nil
	}
	if !allowDefault {
		return "", fmt.Errorf("no auth token configured: set %s (refusing compiled-in default)", envVar)
	}
	return DefaultAuthToken, nil
}
