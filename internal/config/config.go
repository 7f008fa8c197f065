// Package config handles configuration loading and validation for mapsyncd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the sync endpoint.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Auth configuration for join and admin passwords.
	Auth AuthConfig `toml:"auth" json:"auth" yaml:"auth"`

	// Autosave configuration for periodic snapshots.
	Autosave AutosaveConfig `toml:"autosave" json:"autosave" yaml:"autosave"`

	// Storage configuration for the snapshot database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// AutoMap configuration for the rule directory.
	AutoMap AutoMapConfig `toml:"automap" json:"automap" yaml:"automap"`

	// Debug configuration for the debug action harness.
	Debug DebugConfig `toml:"debug" json:"debug" yaml:"debug"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds the sync endpoint configuration.
type ServerConfig struct {
	// ListenAddr is the websocket listen address, e.g. ":8303".
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// MapPath is the map file the server loads on startup.
	MapPath string `toml:"map_path" json:"map_path" yaml:"map_path"`

	// MaxClients caps concurrent connections. Zero means unlimited.
	MaxClients int `toml:"max_clients" json:"max_clients" yaml:"max_clients"`
}

// AuthConfig holds the session passwords. Values starting with "$2" are
// treated as bcrypt hashes, anything else as plaintext.
type AuthConfig struct {
	// Password gates editing sessions. Empty means open access.
	Password string `toml:"password" json:"password" yaml:"password"`

	// AdminPassword gates the admin subsystem. Empty disables remote
	// administration entirely.
	AdminPassword string `toml:"admin_password" json:"admin_password" yaml:"admin_password"`
}

// AutosaveConfig holds periodic snapshot configuration.
type AutosaveConfig struct {
	// Enabled determines whether autosave runs at all.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// IntervalSec is the autosave interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// Keep is how many snapshots to retain before pruning.
	Keep int `toml:"keep" json:"keep" yaml:"keep"`
}

// StorageConfig holds snapshot persistence configuration.
type StorageConfig struct {
	// Path is the path to the snapshot database file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// AutoMapConfig holds auto-mapper rule configuration.
type AutoMapConfig struct {
	// RulesDir is the directory holding rule files. Empty disables
	// server-side rules; clients then supply payloads on demand.
	RulesDir string `toml:"rules_dir" json:"rules_dir" yaml:"rules_dir"`

	// LiveReload reloads rule files as they change on disk.
	LiveReload bool `toml:"live_reload" json:"live_reload" yaml:"live_reload"`
}

// DebugConfig holds the default knobs of the debug action harness.
// Requests may still override any of them per invocation.
type DebugConfig struct {
	// Rounds is the default number of fuzz rounds per run.
	Rounds int `toml:"rounds" json:"rounds" yaml:"rounds"`

	// InvalidPercent is the chance (0-100) a round submits a batch built
	// to be rejected.
	InvalidPercent int `toml:"invalid_percent" json:"invalid_percent" yaml:"invalid_percent"`

	// ShufflePercent is the chance (0-100) a batch is reordered before
	// submission.
	ShufflePercent int `toml:"shuffle_percent" json:"shuffle_percent" yaml:"shuffle_percent"`

	// RoundTripPercent is the chance (0-100) a batch is pushed through
	// the wire encoding before submission.
	RoundTripPercent int `toml:"round_trip_percent" json:"round_trip_percent" yaml:"round_trip_percent"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// FilePath writes logs to a file instead of stderr when set.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr: ":8303",
			MaxClients: 64,
		},
		Autosave: AutosaveConfig{
			Enabled:     true,
			IntervalSec: 600,
			Keep:        10,
		},
		Storage: StorageConfig{
			Path: "snapshots.db",
		},
		AutoMap: AutoMapConfig{
			LiveReload: true,
		},
		Debug: DebugConfig{
			Rounds:           100,
			InvalidPercent:   20,
			ShufflePercent:   10,
			RoundTripPercent: 25,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file at path, applies environment
// overrides, and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Base(path))
	}

	return cfg, nil
}

// ApplyEnvOverrides applies MAPSYNCD_* environment overrides. Passwords
// in particular are better kept out of the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MAPSYNCD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MAPSYNCD_MAP_PATH"); v != "" {
		c.Server.MapPath = v
	}
	if v := os.Getenv("MAPSYNCD_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("MAPSYNCD_ADMIN_PASSWORD"); v != "" {
		c.Auth.AdminPassword = v
	}
	if v := os.Getenv("MAPSYNCD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MAPSYNCD_RULES_DIR"); v != "" {
		c.AutoMap.RulesDir = v
	}
	if v := os.Getenv("MAPSYNCD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MAPSYNCD_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.MaxClients = n
		}
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: "must not be empty",
		})
	}
	if c.Server.MaxClients < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_clients",
			Message: "must not be negative",
		})
	}

	if c.Autosave.Enabled {
		if c.Autosave.IntervalSec < 1 {
			errs = append(errs, ValidationError{
				Field:   "autosave.interval_sec",
				Message: "must be at least 1 when autosave is enabled",
			})
		}
		if c.Autosave.Keep < 1 {
			errs = append(errs, ValidationError{
				Field:   "autosave.keep",
				Message: "must be at least 1 when autosave is enabled",
			})
		}
		if c.Storage.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "required when autosave is enabled",
			})
		}
	}

	for _, pct := range []struct {
		field string
		value int
	}{
		{"debug.invalid_percent", c.Debug.InvalidPercent},
		{"debug.shuffle_percent", c.Debug.ShufflePercent},
		{"debug.round_trip_percent", c.Debug.RoundTripPercent},
	} {
		if pct.value < 0 || pct.value > 100 {
			errs = append(errs, ValidationError{
				Field:   pct.field,
				Message: "must be between 0 and 100",
			})
		}
	}
	if c.Debug.Rounds < 0 {
		errs = append(errs, ValidationError{
			Field:   "debug.rounds",
			Message: "must not be negative",
		})
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", c.Logging.Level),
		})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", c.Logging.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Save writes the configuration to path as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
