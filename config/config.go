// Package config loads process settings from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"mini-call/codec"
	"mini-call/loadbalance"
	"mini-call/logging"
)

// Config holds all settings of a serving or calling process.
type Config struct {
	Server    ServerConfig
	Registry  RegistryConfig
	Balancer  BalancerConfig
	Handler   HandlerConfig
	RateLimit RateLimitConfig
	Logging   LogConfig
}

// ServerConfig holds the socket settings.
type ServerConfig struct {
	Network       string        `envconfig:"MINI_CALL_NETWORK" default:"unix"`
	Address       string        `envconfig:"MINI_CALL_ADDRESS" default:"/tmp/mini-call.sock"`
	AdvertiseAddr string        `envconfig:"MINI_CALL_ADVERTISE_ADDR"`
	Heartbeat     time.Duration `envconfig:"MINI_CALL_HEARTBEAT" default:"30s"`
	Codec         string        `envconfig:"MINI_CALL_CODEC" default:"json"`
}

// RegistryConfig selects the registry. With no etcd endpoints an in-memory
// registry is used.
type RegistryConfig struct {
	EtcdEndpoints []string `envconfig:"MINI_CALL_ETCD_ENDPOINTS"`
	TTL           int64    `envconfig:"MINI_CALL_REGISTRY_TTL" default:"10"`
}

// BalancerConfig selects how a call container picks among the endpoints of a
// descriptor. A non-empty affinity key implies consistent hashing on that key.
type BalancerConfig struct {
	Strategy    string `envconfig:"MINI_CALL_BALANCER" default:"roundrobin"`
	AffinityKey string `envconfig:"MINI_CALL_AFFINITY_KEY"`
}

// HandlerConfig bounds callee handlers. Zero disables the timeout.
type HandlerConfig struct {
	Timeout time.Duration `envconfig:"MINI_CALL_HANDLER_TIMEOUT" default:"0s"`
}

// RateLimitConfig holds callee rate limiting. Zero RPS disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"MINI_CALL_RATE_LIMIT_RPS" default:"0"`
	Burst             int     `envconfig:"MINI_CALL_RATE_LIMIT_BURST" default:"100"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Network:   "unix",
			Address:   "/tmp/mini-call.sock",
			Heartbeat: 30 * time.Second,
			Codec:     "json",
		},
		Registry: RegistryConfig{
			TTL: 10,
		},
		Balancer: BalancerConfig{
			Strategy: "roundrobin",
		},
		RateLimit: RateLimitConfig{
			Burst: 100,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.Server.Network != "unix" && c.Server.Network != "tcp" {
		return fmt.Errorf("config: unsupported network %q", c.Server.Network)
	}
	if _, err := codec.ParseCodecType(c.Server.Codec); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("config: registry TTL must be positive, got %d", c.Registry.TTL)
	}
	switch c.Balancer.Strategy {
	case "roundrobin", "weighted":
	case "consistenthash":
		if c.Balancer.AffinityKey == "" {
			return fmt.Errorf("config: balancer %q needs MINI_CALL_AFFINITY_KEY", c.Balancer.Strategy)
		}
	default:
		return fmt.Errorf("config: unsupported balancer %q", c.Balancer.Strategy)
	}
	return nil
}

// NewBalancer builds the configured load balancer.
func (c *Config) NewBalancer() loadbalance.Balancer {
	if c.Balancer.AffinityKey != "" {
		return loadbalance.NewKeyedBalancer(c.Balancer.AffinityKey)
	}
	return loadbalance.New(c.Balancer.Strategy)
}

// CodecType returns the configured structured payload codec.
func (c *Config) CodecType() codec.CodecType {
	ct, err := codec.ParseCodecType(c.Server.Codec)
	if err != nil {
		return codec.CodecTypeJSON
	}
	return ct
}

// Advertised is the address registered for this server; it defaults to the
// listen address.
func (c *Config) Advertised() string {
	if c.Server.AdvertiseAddr != "" {
		return c.Server.AdvertiseAddr
	}
	return c.Server.Address
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:       c.Logging.Level,
		Development: c.Logging.Development,
	}
}
