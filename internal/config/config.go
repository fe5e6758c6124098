package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Remote      RemoteConfig      `yaml:"remote"`
	Gating      GatingConfig      `yaml:"gating"`
	Replay      ReplayConfig      `yaml:"replay"`
	Cache       CacheConfig       `yaml:"cache"`
	Conflicts   ConflictConfig    `yaml:"conflicts"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Settings    SettingsConfig    `yaml:"settings"`
	Log         LogConfig         `yaml:"log"`
}

// StorageConfig contains local durable store settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains breeding API client settings.
type RemoteConfig struct {
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"-"` // env-only, never in YAML
	SourceID string   `yaml:"source_id"`
	Timeout  Duration `yaml:"timeout"`
}

// GatingConfig contains sync precondition thresholds.
type GatingConfig struct {
	MinBatteryLevel float64  `yaml:"min_battery_level"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	AutoSyncEvery   Duration `yaml:"auto_sync_every"`
}

// ReplayConfig contains write-through queue settings.
type ReplayConfig struct {
	Retention     Duration `yaml:"retention"`
	MaxAttempts   int      `yaml:"max_attempts"`
	DrainInterval Duration `yaml:"drain_interval"`
}

// CacheConfig contains response cache policies per resource class.
type CacheConfig struct {
	NavigationTimeout Duration    `yaml:"navigation_timeout"`
	Metadata          ClassPolicy `yaml:"metadata"`
	Datasets          ClassPolicy `yaml:"datasets"`
	Images            ClassPolicy `yaml:"images"`
}

// ClassPolicy bounds one resource class's cache by age and entry count.
type ClassPolicy struct {
	MaxAge     Duration `yaml:"max_age"`
	MaxEntries int      `yaml:"max_entries"`
}

// ConflictConfig selects how a remote copy arriving over a pending
// local edit is reconciled. Policy is one of last-write-wins,
// deep-merge or surface.
type ConflictConfig struct {
	Policy string `yaml:"policy"`
}

// AttachmentsConfig contains S3-compatible storage settings for field
// photo uploads. Empty bucket disables upload.
type AttachmentsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
}

// SettingsConfig seeds the initial user-adjustable sync settings.
type SettingsConfig struct {
	AutoSync       bool `yaml:"auto_sync"`
	WifiOnly       bool `yaml:"wifi_only"`
	CacheImages    bool `yaml:"cache_images"`
	MaxCacheSizeMB int  `yaml:"max_cache_size_mb"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("FIELDSYNC_CONFIG_PATH", "config/fieldsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "data/fieldsync.db",
		},
		Remote: RemoteConfig{
			SourceID: "field-device",
			Timeout:  Duration(30 * time.Second),
		},
		Gating: GatingConfig{
			MinBatteryLevel: 0.20,
			ProbeInterval:   Duration(30 * time.Second),
			AutoSyncEvery:   Duration(5 * time.Minute),
		},
		Replay: ReplayConfig{
			Retention:     Duration(24 * time.Hour),
			MaxAttempts:   10,
			DrainInterval: Duration(5 * time.Minute),
		},
		Cache: CacheConfig{
			NavigationTimeout: Duration(4 * time.Second),
			Metadata: ClassPolicy{
				MaxAge:     Duration(15 * time.Minute),
				MaxEntries: 200,
			},
			Datasets: ClassPolicy{
				MaxAge:     Duration(24 * time.Hour),
				MaxEntries: 50,
			},
			Images: ClassPolicy{
				MaxAge:     Duration(7 * 24 * time.Hour),
				MaxEntries: 300,
			},
		},
		Conflicts: ConflictConfig{
			Policy: "last-write-wins",
		},
		Settings: SettingsConfig{
			AutoSync:       true,
			WifiOnly:       false,
			CacheImages:    true,
			MaxCacheSizeMB: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Storage
	if v := os.Getenv("FIELDSYNC_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// Remote
	if v := os.Getenv("FIELDSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("FIELDSYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("FIELDSYNC_SOURCE_ID"); v != "" {
		cfg.Remote.SourceID = v
	}
	if v := os.Getenv("FIELDSYNC_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Gating
	if v := os.Getenv("FIELDSYNC_MIN_BATTERY_LEVEL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gating.MinBatteryLevel = f
		}
	}
	if v := os.Getenv("FIELDSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gating.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_AUTO_SYNC_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gating.AutoSyncEvery = Duration(d)
		}
	}

	// Replay
	if v := os.Getenv("FIELDSYNC_REPLAY_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replay.Retention = Duration(d)
		}
	}
	if v := os.Getenv("FIELDSYNC_REPLAY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replay.MaxAttempts = n
		}
	}
	if v := os.Getenv("FIELDSYNC_REPLAY_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replay.DrainInterval = Duration(d)
		}
	}

	// Cache
	if v := os.Getenv("FIELDSYNC_NAV_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.NavigationTimeout = Duration(d)
		}
	}

	// Conflicts
	if v := os.Getenv("FIELDSYNC_CONFLICT_POLICY"); v != "" {
		cfg.Conflicts.Policy = v
	}

	// Attachments
	if v := os.Getenv("FIELDSYNC_S3_ENDPOINT"); v != "" {
		cfg.Attachments.Endpoint = v
	}
	if v := os.Getenv("FIELDSYNC_S3_BUCKET"); v != "" {
		cfg.Attachments.Bucket = v
	}
	if v := os.Getenv("FIELDSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Attachments.AccessKey = v
	}
	if v := os.Getenv("FIELDSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Attachments.SecretKey = v
	}
	if v := os.Getenv("FIELDSYNC_S3_REGION"); v != "" {
		cfg.Attachments.Region = v
	}

	// Log
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are consistent.
func (c *Config) validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}
	if c.Gating.MinBatteryLevel < 0 || c.Gating.MinBatteryLevel > 1 {
		return fmt.Errorf("min_battery_level must be in [0, 1], got %v", c.Gating.MinBatteryLevel)
	}
	if c.Replay.MaxAttempts < 1 {
		return fmt.Errorf("replay max_attempts must be positive, got %d", c.Replay.MaxAttempts)
	}
	switch c.Conflicts.Policy {
	case "last-write-wins", "deep-merge", "surface":
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Conflicts.Policy)
	}
	if c.Attachments.Bucket != "" && c.Attachments.Endpoint == "" {
		return errors.New("attachments endpoint is required when bucket is set")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
