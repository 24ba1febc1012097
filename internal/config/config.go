// Package config loads and validates the scanqueue configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanqueue/internal/db"
	"github.com/anstrom/scanqueue/internal/errors"
)

const (
	defaultTargetTimeout   = 300 * time.Second
	defaultCancelGrace     = 5 * time.Second
	defaultMaxTargets      = 1000
	defaultMaxConcurrent   = 4
	defaultSubscriberBuf   = 256
	defaultRetainFinished  = 10 * time.Minute
	defaultMaxSessionAge   = 24 * time.Hour
	defaultAPIPort         = 8080
	defaultShutdownTimeout = 30 * time.Second
	maxPort                = 65535

	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete scanqueue configuration.
type Config struct {
	Scanning    ScanningConfig    `yaml:"scanning" json:"scanning"`
	Events      EventsConfig      `yaml:"events" json:"events"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Database    db.Config         `yaml:"database" json:"database"`
	API         APIConfig         `yaml:"api" json:"api"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// ScanningConfig holds the process runner settings.
type ScanningConfig struct {
	// Scanner executable, resolved through PATH when not absolute.
	BinaryPath string `yaml:"binary_path" json:"binary_path"`

	// Fixed per-target timeout. Not user-configurable per session.
	TargetTimeout time.Duration `yaml:"target_timeout" json:"target_timeout"`

	// Time between SIGTERM and SIGKILL for a stopped scan.
	CancelGrace time.Duration `yaml:"cancel_grace" json:"cancel_grace"`

	MaxTargetsPerSession int `yaml:"max_targets_per_session" json:"max_targets_per_session"`

	// Scanner processes allowed at once across all sessions.
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`

	// Flags rejected inside custom_flags.
	BlockedFlags []string `yaml:"blocked_flags" json:"blocked_flags"`

	// Raw per-target reports are kept here when set.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	VerifyOnStart bool `yaml:"verify_on_start" json:"verify_on_start"`
}

// EventsConfig holds progress broadcaster settings.
type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" json:"subscriber_buffer"`
	RetainFinished   time.Duration `yaml:"retain_finished" json:"retain_finished"`
}

// MaintenanceConfig holds periodic cleanup settings.
type MaintenanceConfig struct {
	// Cron spec for the stale session sweep, empty disables it.
	StaleSessionSchedule string        `yaml:"stale_session_schedule" json:"stale_session_schedule"`
	MaxSessionAge        time.Duration `yaml:"max_session_age" json:"max_session_age"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// DefaultBlockedFlags are the scanner flags custom_flags may never carry.
func DefaultBlockedFlags() []string {
	return []string{
		"--script-help", "--script-trace", "--iflist",
		"-oN", "-oG", "-oA", "-oS", "-oX", "-iL", "--resume",
	}
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			BinaryPath:           "nmap",
			TargetTimeout:        defaultTargetTimeout,
			CancelGrace:          defaultCancelGrace,
			MaxTargetsPerSession: defaultMaxTargets,
			MaxConcurrentScans:   defaultMaxConcurrent,
			BlockedFlags:         DefaultBlockedFlags(),
		},
		Events: EventsConfig{
			SubscriberBuffer: defaultSubscriberBuf,
			RetainFinished:   defaultRetainFinished,
		},
		Maintenance: MaintenanceConfig{
			StaleSessionSchedule: "@every 10m",
			MaxSessionAge:        defaultMaxSessionAge,
		},
		Database: db.DefaultConfig(),
		API: APIConfig{
			Host:            "127.0.0.1",
			Port:            defaultAPIPort,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: defaultShutdownTimeout,
			AllowedOrigins:  []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads a YAML (or JSON) file over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// YAML is a superset of JSON so one decoder covers both extensions.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks every section and reports the first invalid field.
func (c *Config) Validate() error {
	if c.Scanning.BinaryPath == "" {
		return errors.ErrConfigInvalid("scanning.binary_path", c.Scanning.BinaryPath)
	}
	if c.Scanning.TargetTimeout <= 0 {
		return errors.ErrConfigInvalid("scanning.target_timeout", c.Scanning.TargetTimeout)
	}
	if c.Scanning.CancelGrace < 0 {
		return errors.ErrConfigInvalid("scanning.cancel_grace", c.Scanning.CancelGrace)
	}
	if c.Scanning.MaxTargetsPerSession <= 0 {
		return errors.ErrConfigInvalid("scanning.max_targets_per_session", c.Scanning.MaxTargetsPerSession)
	}

	if c.Scanning.MaxConcurrentScans < 0 {
		return errors.ErrConfigInvalid("scanning.max_concurrent_scans", c.Scanning.MaxConcurrentScans)
	}

	if c.Events.SubscriberBuffer <= 0 {
		return errors.ErrConfigInvalid("events.subscriber_buffer", c.Events.SubscriberBuffer)
	}
	if c.Events.RetainFinished < 0 {
		return errors.ErrConfigInvalid("events.retain_finished", c.Events.RetainFinished)
	}

	if c.Maintenance.StaleSessionSchedule != "" && c.Maintenance.MaxSessionAge <= 0 {
		return errors.ErrConfigInvalid("maintenance.max_session_age", c.Maintenance.MaxSessionAge)
	}

	// An empty database name selects the in-memory store.
	if c.UsePostgres() {
		if c.Database.Host == "" {
			return errors.ErrConfigInvalid("database.host", c.Database.Host)
		}
		if c.Database.Port <= 0 || c.Database.Port > maxPort {
			return errors.ErrConfigInvalid("database.port", c.Database.Port)
		}
		if c.Database.Username == "" {
			return errors.ErrConfigInvalid("database.username", c.Database.Username)
		}
	}

	if c.API.Port <= 0 || c.API.Port > maxPort {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

// UsePostgres reports whether results are persisted to PostgreSQL.
func (c *Config) UsePostgres() bool {
	return c.Database.Database != ""
}

// GetAPIAddress returns the full API listen address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}
