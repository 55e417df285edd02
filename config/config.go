package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/Datarails/mcp-outlet/codec"
)

// Config holds all outlet configuration.
type Config struct {
	HTTP      HTTPConfig
	Logging   LogConfig
	Call      CallConfig
	RateLimit RateLimitConfig
	Registry  RegistryConfig
}

// HTTPConfig holds the development HTTP shim configuration.
type HTTPConfig struct {
	Addr string `envconfig:"OUTLET_HTTP_ADDR" default:":8080"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// CallConfig controls how proxied calls are run.
type CallConfig struct {
	Timeout time.Duration `envconfig:"OUTLET_CALL_TIMEOUT" default:"30s"`
	// RequestTimeout bounds a whole request including spawn and handshake. Zero disables it.
	RequestTimeout time.Duration `envconfig:"OUTLET_REQUEST_TIMEOUT" default:"0"`
	TempFolder     string        `envconfig:"TEMP_FOLDER"`
	Codec          string        `envconfig:"OUTLET_CODEC" default:"json"`
	RetryMax       int           `envconfig:"OUTLET_RETRY_MAX" default:"0"`
	RetryDelay     time.Duration `envconfig:"OUTLET_RETRY_DELAY" default:"100ms"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
}

// RegistryConfig selects the server catalogs. Both are optional.
type RegistryConfig struct {
	ServersFile   string   `envconfig:"OUTLET_SERVERS_FILE"`
	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS"`
	EtcdTTL       int64    `envconfig:"OUTLET_ETCD_TTL" default:"0"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Call.TempFolder == "" {
		cfg.Call.TempFolder = os.TempDir()
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
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Call: CallConfig{
			Timeout:    30 * time.Second,
			TempFolder: os.TempDir(),
			Codec:      "json",
			RetryDelay: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           false,
		},
	}
}

func (c *Config) Validate() error {
	if c.Call.Timeout <= 0 {
		return fmt.Errorf("OUTLET_CALL_TIMEOUT must be positive, got %s", c.Call.Timeout)
	}
	if c.Call.RequestTimeout < 0 {
		return fmt.Errorf("OUTLET_REQUEST_TIMEOUT must not be negative, got %s", c.Call.RequestTimeout)
	}
	if c.Call.RetryMax < 0 {
		return fmt.Errorf("OUTLET_RETRY_MAX must not be negative, got %d", c.Call.RetryMax)
	}
	if _, err := codec.ParseCodecType(c.Call.Codec); err != nil {
		return err
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit needs positive RATE_LIMIT_RPS and RATE_LIMIT_BURST")
	}
	return nil
}
