// Package config loads and validates the bridge configuration. A single
// BRIDGE_NETWORK variable picks the network profile; the YAML file carries
// everything else, with environment overrides for the values that differ
// between deploys (database URL, endpoints, listen address).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalid marks configuration validation failures. Processes exit
// non-zero when they see it.
var ErrInvalid = errors.New("invalid config")

// Networks the bridge knows how to select profiles for.
const (
	NetworkDev     = "dev"
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"
)

type Config struct {
	Network       string            `yaml:"network"`
	TenantID      string            `yaml:"tenant_id"`
	ProjectorName string            `yaml:"projector_name"`
	Database      DatabaseConfig    `yaml:"database"`
	Redis         RedisConfig       `yaml:"redis"`
	Fabric        FabricConfig      `yaml:"fabric"`
	Submitter     SubmitterConfig   `yaml:"submitter"`
	Projector     ProjectorConfig   `yaml:"projector"`
	Ops           OpsConfig         `yaml:"ops"`
	Idempotency   IdempotencyConfig `yaml:"idempotency"`
}

type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CACert             string `yaml:"ca_cert"`
	ServerNameOverride string `yaml:"server_name_override"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    uint32 `yaml:"failure_threshold"`
	ResetTimeoutSeconds int    `yaml:"reset_timeout_seconds"`
	HalfOpenProbes      uint32 `yaml:"half_open_probes"`
}

type FabricConfig struct {
	Channel                    string               `yaml:"channel"`
	Chaincode                  string               `yaml:"chaincode"`
	MspID                      string               `yaml:"msp_id"`
	IdentityLabel              string               `yaml:"identity_label"`
	PeerEndpoint               string               `yaml:"peer_endpoint"`
	OrdererEndpoint            string               `yaml:"orderer_endpoint"`
	WalletDir                  string               `yaml:"wallet_dir"`
	TLS                        TLSConfig            `yaml:"tls"`
	EvaluateTimeoutSeconds     int                  `yaml:"evaluate_timeout_seconds"`
	EndorseTimeoutSeconds      int                  `yaml:"endorse_timeout_seconds"`
	SubmitTimeoutSeconds       int                  `yaml:"submit_timeout_seconds"`
	CommitStatusTimeoutSeconds int                  `yaml:"commit_status_timeout_seconds"`
	CircuitBreaker             CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type SubmitterConfig struct {
	Workers                int `yaml:"workers"`
	BatchSize              int `yaml:"batch_size"`
	PollIntervalMs         int `yaml:"poll_interval_ms"`
	MaxAttempts            int `yaml:"max_attempts"`
	StaleProcessingSeconds int `yaml:"stale_processing_seconds"`
	BaseBackoffMs          int `yaml:"base_backoff_ms"`
	MaxBackoffSeconds      int `yaml:"max_backoff_seconds"`
}

type ProjectorConfig struct {
	StartBlock        uint64 `yaml:"start_block"`
	HandlerMaxRetries int    `yaml:"handler_max_retries"`
	HandlerBackoffMs  int    `yaml:"handler_backoff_ms"`
	StrictValidation  bool   `yaml:"strict_validation"`
}

type OpsConfig struct {
	ListenAddr                string `yaml:"listen_addr"`
	ProjectionLagBudgetBlocks uint64 `yaml:"projection_lag_budget_blocks"`
	HeartbeatThresholdSeconds int    `yaml:"heartbeat_threshold_seconds"`
}

type IdempotencyConfig struct {
	TTLHours            int `yaml:"ttl_hours"`
	ReapIntervalMinutes int `yaml:"reap_interval_minutes"`
}

// LoadConfig reads the YAML profile at path, applies environment overrides
// and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the conventional profile path for a network.
func DefaultPath(network string) string {
	return filepath.Join("configs", network+".yaml")
}

// NetworkFromEnv reads BRIDGE_NETWORK, defaulting to dev.
func NetworkFromEnv() string {
	if n := os.Getenv("BRIDGE_NETWORK"); n != "" {
		return n
	}
	return NetworkDev
}

func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Network, "BRIDGE_NETWORK")
	set(&c.TenantID, "BRIDGE_TENANT_ID")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Fabric.PeerEndpoint, "FABRIC_PEER_ENDPOINT")
	set(&c.Fabric.OrdererEndpoint, "FABRIC_ORDERER_ENDPOINT")
	set(&c.Fabric.WalletDir, "FABRIC_WALLET_DIR")
	set(&c.Ops.ListenAddr, "BRIDGE_LISTEN_ADDR")
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = NetworkDev
	}
	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.ProjectorName == "" {
		c.ProjectorName = "coin-projector"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}
	if c.Fabric.WalletDir == "" {
		c.Fabric.WalletDir = "wallet"
	}
	if c.Fabric.IdentityLabel == "" {
		c.Fabric.IdentityLabel = "admin"
	}
	if c.Fabric.EvaluateTimeoutSeconds == 0 {
		c.Fabric.EvaluateTimeoutSeconds = 5
	}
	if c.Fabric.EndorseTimeoutSeconds == 0 {
		c.Fabric.EndorseTimeoutSeconds = 15
	}
	if c.Fabric.SubmitTimeoutSeconds == 0 {
		c.Fabric.SubmitTimeoutSeconds = 5
	}
	if c.Fabric.CommitStatusTimeoutSeconds == 0 {
		c.Fabric.CommitStatusTimeoutSeconds = 60
	}
	if c.Fabric.CircuitBreaker.FailureThreshold == 0 {
		c.Fabric.CircuitBreaker.FailureThreshold = 5
	}
	if c.Fabric.CircuitBreaker.ResetTimeoutSeconds == 0 {
		c.Fabric.CircuitBreaker.ResetTimeoutSeconds = 30
	}
	if c.Fabric.CircuitBreaker.HalfOpenProbes == 0 {
		c.Fabric.CircuitBreaker.HalfOpenProbes = 3
	}
	if c.Submitter.Workers == 0 {
		c.Submitter.Workers = 4
	}
	if c.Submitter.BatchSize == 0 {
		c.Submitter.BatchSize = 25
	}
	if c.Submitter.PollIntervalMs == 0 {
		c.Submitter.PollIntervalMs = 1000
	}
	if c.Submitter.MaxAttempts == 0 {
		c.Submitter.MaxAttempts = 5
	}
	if c.Submitter.StaleProcessingSeconds == 0 {
		c.Submitter.StaleProcessingSeconds = 300
	}
	if c.Submitter.BaseBackoffMs == 0 {
		c.Submitter.BaseBackoffMs = 500
	}
	if c.Submitter.MaxBackoffSeconds == 0 {
		c.Submitter.MaxBackoffSeconds = 60
	}
	if c.Projector.HandlerMaxRetries == 0 {
		c.Projector.HandlerMaxRetries = 3
	}
	if c.Projector.HandlerBackoffMs == 0 {
		c.Projector.HandlerBackoffMs = 200
	}
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = ":9600"
	}
	if c.Ops.ProjectionLagBudgetBlocks == 0 {
		c.Ops.ProjectionLagBudgetBlocks = 10
	}
	if c.Ops.HeartbeatThresholdSeconds == 0 {
		c.Ops.HeartbeatThresholdSeconds = 60
	}
	if c.Idempotency.TTLHours == 0 {
		c.Idempotency.TTLHours = 24
	}
	if c.Idempotency.ReapIntervalMinutes == 0 {
		c.Idempotency.ReapIntervalMinutes = 15
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Network {
	case NetworkDev, NetworkTestnet, NetworkMainnet:
	default:
		return fmt.Errorf("%w: network must be dev, testnet or mainnet, got %q", ErrInvalid, c.Network)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database.url is required", ErrInvalid)
	}
	if c.Fabric.Channel == "" {
		return fmt.Errorf("%w: fabric.channel is required", ErrInvalid)
	}
	if c.Fabric.Chaincode == "" {
		return fmt.Errorf("%w: fabric.chaincode is required", ErrInvalid)
	}
	if c.Fabric.MspID == "" {
		return fmt.Errorf("%w: fabric.msp_id is required", ErrInvalid)
	}
	if c.Fabric.PeerEndpoint == "" {
		return fmt.Errorf("%w: fabric.peer_endpoint is required", ErrInvalid)
	}
	if c.Fabric.TLS.Enabled && c.Fabric.TLS.CACert == "" {
		return fmt.Errorf("%w: fabric.tls.ca_cert is required when TLS is enabled", ErrInvalid)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when redis is enabled", ErrInvalid)
	}
	if c.Submitter.Workers < 1 {
		return fmt.Errorf("%w: submitter.workers must be positive", ErrInvalid)
	}
	if c.Submitter.BatchSize < 1 {
		return fmt.Errorf("%w: submitter.batch_size must be positive", ErrInvalid)
	}
	if c.Submitter.MaxAttempts < 1 {
		return fmt.Errorf("%w: submitter.max_attempts must be positive", ErrInvalid)
	}
	if c.Projector.HandlerMaxRetries < 0 {
		return fmt.Errorf("%w: projector.handler_max_retries must not be negative", ErrInvalid)
	}
	return nil
}

// WalletPath resolves the per-network wallet directory.
func (c *Config) WalletPath() string {
	return filepath.Join(c.Fabric.WalletDir, c.Network)
}

// Duration accessors; the YAML carries unit-suffixed integers.

func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeMinutes) * time.Minute
}

func (f FabricConfig) EvaluateTimeout() time.Duration {
	return time.Duration(f.EvaluateTimeoutSeconds) * time.Second
}

func (f FabricConfig) EndorseTimeout() time.Duration {
	return time.Duration(f.EndorseTimeoutSeconds) * time.Second
}

func (f FabricConfig) SubmitTimeout() time.Duration {
	return time.Duration(f.SubmitTimeoutSeconds) * time.Second
}

func (f FabricConfig) CommitStatusTimeout() time.Duration {
	return time.Duration(f.CommitStatusTimeoutSeconds) * time.Second
}

func (cb CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(cb.ResetTimeoutSeconds) * time.Second
}

func (s SubmitterConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s SubmitterConfig) StaleProcessingAge() time.Duration {
	return time.Duration(s.StaleProcessingSeconds) * time.Second
}

func (s SubmitterConfig) BaseBackoff() time.Duration {
	return time.Duration(s.BaseBackoffMs) * time.Millisecond
}

func (s SubmitterConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

func (p ProjectorConfig) HandlerBackoff() time.Duration {
	return time.Duration(p.HandlerBackoffMs) * time.Millisecond
}

func (o OpsConfig) HeartbeatThreshold() time.Duration {
	return time.Duration(o.HeartbeatThresholdSeconds) * time.Second
}

func (i IdempotencyConfig) TTL() time.Duration {
	return time.Duration(i.TTLHours) * time.Hour
}

func (i IdempotencyConfig) ReapInterval() time.Duration {
	return time.Duration(i.ReapIntervalMinutes) * time.Minute
}
