package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PLANHUB_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PLANHUB_SERVER_HTTP_PORT, PLANHUB_NATS_URL, ...)
//  2. YAML config file (~/.config/planhub/config.yaml)
//  3. Hardcoded defaults
//
// A missing file is not an error. An existing file must have 0600 or 0400
// permissions, be at most 1MB and live under ~/.config/planhub/ or
// /etc/planhub/.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	PLANHUB_SERVER_HTTP_PORT   -> server.http_port
//	PLANHUB_PLAN_MAX_ATTEMPTS  -> plan.max_attempts
//	PLANHUB_STREAM_HEARTBEAT_INTERVAL -> stream.heartbeat_interval
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps PLANHUB_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// DefaultConfigDir returns ~/.config/planhub.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "planhub"), nil
}

// validateConfigPath checks the path is in an allowed directory. It runs
// even when the file does not exist.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{userDir, "/etc/planhub"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/planhub/ or /etc/planhub/")
}

// validateConfigFileProperties checks permissions and size of an opened
// config file.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// NATS
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 5
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 2 * time.Second
	}
	if cfg.NATS.Embedded && cfg.NATS.StoreDir == "" {
		cfg.NATS.StoreDir = filepath.Join(os.TempDir(), "planhub-jetstream")
	}

	// Store
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendNATS
	}
	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = "planhub_state"
	}
	if cfg.Store.Replicas == 0 {
		cfg.Store.Replicas = 1
	}

	// Plan
	if cfg.Plan.StateKey == "" {
		cfg.Plan.StateKey = "planhub.v1.master_plan_state"
	}
	if cfg.Plan.Channel == "" {
		cfg.Plan.Channel = "planhub.v1.events"
	}
	if cfg.Plan.MaxAttempts == 0 {
		cfg.Plan.MaxAttempts = 5
	}

	// Stream
	if cfg.Stream.HeartbeatInterval == 0 {
		cfg.Stream.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Stream.ReconnectDelay == 0 {
		cfg.Stream.ReconnectDelay = 5 * time.Second
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "planhub"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
}
