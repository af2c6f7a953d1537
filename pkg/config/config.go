// Package config loads certstore configuration from defaults, an optional
// TOML file and CERTSTORE_ environment variables, in that order of
// precedence.
//
// Environment keys map onto config keys by lower-casing and turning single
// underscores into dots. A double underscore stands for a literal underscore:
//
//	CERTSTORE_STORAGE_BACKEND=postgres          -> storage.backend
//	CERTSTORE_STORAGE_DATA__DIR=/var/lib/certs  -> storage.data_dir
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/certstore/pkg/log"
	"github.com/cuemby/certstore/pkg/storage"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "CERTSTORE_"

// Backends known to the configuration. Embedded backends need a data
// directory, server backends a connection string.
var (
	embeddedBackends = []string{"sqlite", "bolt"}
	serverBackends   = []string{"postgres", "sqlserver"}
)

// Config is the root configuration
type Config struct {
	Storage     StorageConfig     `koanf:"storage"`
	Store       StoreConfig       `koanf:"store"`
	Logging     LoggingConfig     `koanf:"logging"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Server      ServerConfig      `koanf:"server"`
}

// StorageConfig selects and configures the backend
type StorageConfig struct {
	Backend          string        `koanf:"backend"`
	DataDir          string        `koanf:"data_dir"`
	ConnectionString string        `koanf:"connection_string"`
	Table            string        `koanf:"table"`
	CommandTimeout   time.Duration `koanf:"command_timeout"`
}

// StoreConfig tunes write serialization and retries
type StoreConfig struct {
	WriteGateTimeout time.Duration `koanf:"write_gate_timeout"`
	RetryAttempts    int           `koanf:"retry_attempts"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	ConflictPolicy   string        `koanf:"conflict_policy"` // "reject" or "log"
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// MaintenanceConfig schedules periodic store upkeep
type MaintenanceConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// ServerConfig configures the HTTP endpoint of the serve command
type ServerConfig struct {
	MetricsAddr     string        `koanf:"metrics_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Default returns the built-in configuration
func Default() *Config {
	retry := storage.DefaultRetryPolicy()

	return &Config{
		Storage: StorageConfig{
			Backend:        "sqlite",
			DataDir:        "./data",
			Table:          storage.DefaultTable,
			CommandTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			WriteGateTimeout: storage.DefaultWriteGateTimeout,
			RetryAttempts:    retry.MaxRetries,
			RetryDelay:       retry.Delay,
			ConflictPolicy:   string(storage.ConflictPolicyReject),
		},
		Logging: LoggingConfig{
			Level: string(log.InfoLevel),
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
		},
		Server: ServerConfig{
			MetricsAddr:     ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch {
	case contains(embeddedBackends, c.Storage.Backend):
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
		}
	case contains(serverBackends, c.Storage.Backend):
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("storage.connection_string is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be one of %s, got %q",
			strings.Join(append(append([]string{}, embeddedBackends...), serverBackends...), ", "), c.Storage.Backend)
	}

	if c.Storage.CommandTimeout <= 0 {
		return fmt.Errorf("storage.command_timeout must be positive, got %s", c.Storage.CommandTimeout)
	}
	if c.Store.WriteGateTimeout <= 0 {
		return fmt.Errorf("store.write_gate_timeout must be positive, got %s", c.Store.WriteGateTimeout)
	}
	if c.Store.RetryAttempts < 0 {
		return fmt.Errorf("store.retry_attempts must not be negative, got %d", c.Store.RetryAttempts)
	}
	if c.Store.RetryDelay <= 0 {
		return fmt.Errorf("store.retry_delay must be positive, got %s", c.Store.RetryDelay)
	}

	switch storage.ConflictPolicy(c.Store.ConflictPolicy) {
	case storage.ConflictPolicyReject, storage.ConflictPolicyLog:
	default:
		return fmt.Errorf("store.conflict_policy must be %q or %q, got %q",
			storage.ConflictPolicyReject, storage.ConflictPolicyLog, c.Store.ConflictPolicy)
	}

	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive when maintenance is enabled, got %s", c.Maintenance.Interval)
	}

	return nil
}

// StorageSettings returns the engine settings
func (c *Config) StorageSettings() storage.Settings {
	return storage.Settings{
		DataDir:          c.Storage.DataDir,
		ConnectionString: c.Storage.ConnectionString,
		Table:            c.Storage.Table,
		CommandTimeout:   c.Storage.CommandTimeout,
	}
}

// StoreOptions returns the store options. The logger is left to the caller.
func (c *Config) StoreOptions() storage.Options {
	return storage.Options{
		Retry: storage.RetryPolicy{
			MaxRetries: c.Store.RetryAttempts,
			Delay:      c.Store.RetryDelay,
		},
		WriteGateTimeout: c.Store.WriteGateTimeout,
		ConflictPolicy:   storage.ConflictPolicy(c.Store.ConflictPolicy),
	}
}

// LogConfig returns the logger configuration
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Logging.Level),
		JSONOutput: c.Logging.JSON,
	}
}

// IsServerBackend reports whether the backend is reached over the network
func (c *Config) IsServerBackend() bool {
	return contains(serverBackends, c.Storage.Backend)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
