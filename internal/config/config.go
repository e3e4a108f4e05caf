// Package config provides configuration loading for planhub.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then PLANHUB_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// kvKeyPattern is the JetStream key-value key grammar.
var kvKeyPattern = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// validKVKey reports whether key can be stored in a JetStream KV bucket.
func validKVKey(key string) bool {
	return kvKeyPattern.MatchString(key) && !strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".")
}

// Config holds the complete planhub configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Store     StoreConfig     `koanf:"store"`
	Plan      PlanConfig      `koanf:"plan"`
	Stream    StreamConfig    `koanf:"stream"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AuthSecret      Secret        `koanf:"auth_secret"` // Bearer secret for write routes; empty disables auth
	RateLimitRPS    float64       `koanf:"rate_limit_rps"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
}

// NATSConfig holds the NATS connection settings shared by the document
// store and the event bus.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Embedded      bool          `koanf:"embedded"`  // Start an in-process server with JetStream
	StoreDir      string        `koanf:"store_dir"` // JetStream storage for the embedded server
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// Store backends.
const (
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend  string `koanf:"backend"`
	Bucket   string `koanf:"bucket"`
	Replicas int    `koanf:"replicas"`
}

// PlanConfig holds state manager settings.
type PlanConfig struct {
	StateKey     string        `koanf:"state_key"`
	Channel      string        `koanf:"channel"`
	MaxAttempts  int           `koanf:"max_attempts"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	TemplatePath string        `koanf:"template_path"` // Custom YAML template; empty uses the built-in one
}

// StreamConfig holds event bus subscription timing.
type StreamConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
}

// LoggingConfig holds the user-facing logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure     bool    `koanf:"insecure"`
	ServiceName  string  `koanf:"service_name"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// MinAuthSecretLength is the shortest accepted auth secret.
const MinAuthSecretLength = 32

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.AuthSecret.IsSet() && len(c.Server.AuthSecret.Value()) < MinAuthSecretLength {
		errs = append(errs, fmt.Errorf("server.auth_secret must be at least %d characters", MinAuthSecretLength))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limits cannot be negative"))
	}

	switch c.Store.Backend {
	case BackendNATS:
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for the nats backend"))
		}
		if c.Store.Replicas < 1 || c.Store.Replicas > 5 {
			errs = append(errs, fmt.Errorf("store.replicas must be between 1 and 5, got %d", c.Store.Replicas))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendNATS, BackendMemory, c.Store.Backend))
	}

	if !c.NATS.Embedded {
		if u, err := url.Parse(c.NATS.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("nats.url is invalid: %q", c.NATS.URL))
		}
	}
	if c.NATS.ReconnectWait < 0 {
		errs = append(errs, errors.New("nats.reconnect_wait cannot be negative"))
	}

	if c.Plan.StateKey == "" {
		errs = append(errs, errors.New("plan.state_key is required"))
	} else if c.Store.Backend == BackendNATS && !validKVKey(c.Plan.StateKey) {
		errs = append(errs, fmt.Errorf("plan.state_key %q is not a valid key for the nats backend (allowed: letters, digits, '-', '/', '_', '=', '.')", c.Plan.StateKey))
	}
	if c.Plan.Channel == "" {
		errs = append(errs, errors.New("plan.channel is required"))
	}
	if c.Plan.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("plan.max_attempts must be >= 1, got %d", c.Plan.MaxAttempts))
	}
	if c.Plan.RetryBackoff < 0 {
		errs = append(errs, errors.New("plan.retry_backoff cannot be negative"))
	}

	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream.heartbeat_interval must be positive"))
	}
	if c.Stream.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("stream.reconnect_delay must be positive"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol))
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate))
		}
	}

	return errors.Join(errs...)
}
