// Copyright 2026 The Flume Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Flume components.
//
// Configuration is loaded from a single YAML file specified by:
//   - FLUME_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Flume. A deployment usually
// populates either the sensor or the collector section, but a single
// file carrying both is valid (useful for local development against a
// loopback collector).
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Sensor configures the on-site sensor agent.
	Sensor SensorConfig `yaml:"sensor"`

	// Collector configures the central collector.
	Collector CollectorConfig `yaml:"collector"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Sensor    *SensorConfig    `yaml:"sensor,omitempty"`
	Collector *CollectorConfig `yaml:"collector,omitempty"`
}

// SensorConfig configures the sensor agent.
type SensorConfig struct {
	// ID is the sensor's identity. Must match the subject of the
	// sensor's credential token.
	ID string `yaml:"id"`

	// StateDir holds the durable queue database and any cached state.
	StateDir string `yaml:"state_dir"`

	// CollectorNetwork is "tcp" or "unix".
	// Default: tcp
	CollectorNetwork string `yaml:"collector_network"`

	// CollectorAddr is the collector's listen address (host:port for
	// tcp, socket path for unix).
	CollectorAddr string `yaml:"collector_addr"`

	// TokenPath is the file holding the sensor's credential token.
	TokenPath string `yaml:"token_path"`

	// HeartbeatInterval is how often the sensor sends heartbeats on
	// the control channel. Duration string. Default: 10s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// AckTimeout is how long a transfer window waits for an ack
	// before being abandoned. Duration string. Default: 60s
	AckTimeout string `yaml:"ack_timeout"`

	// Retention bounds how long unacknowledged chunks are kept in
	// the durable queue before being expired. Duration string.
	// Default: 72h
	Retention string `yaml:"retention"`

	// ChunkSize is the maximum uncompressed bytes per chunk.
	// Default: 131072 (128 KiB)
	ChunkSize int `yaml:"chunk_size"`

	// Compression names the chunk codec: gzip, lz4, or none.
	// Default: gzip
	Compression string `yaml:"compression"`

	// MaxSendAttempts bounds delivery retries per window before the
	// window is abandoned. Default: 5
	MaxSendAttempts int `yaml:"max_send_attempts"`
}

// CollectorConfig configures the collector.
type CollectorConfig struct {
	// ListenNetwork is "tcp" or "unix". Default: tcp
	ListenNetwork string `yaml:"listen_network"`

	// ListenAddr is the listen address. Default: :7600
	ListenAddr string `yaml:"listen_addr"`

	// StateDir holds the chunk store database.
	StateDir string `yaml:"state_dir"`

	// PublicKeyPath is the token verification key minted by the
	// operator.
	PublicKeyPath string `yaml:"public_key_path"`

	// AuthorizedSensors lists sensor IDs allowed to connect. A token
	// with a valid signature but a subject outside this list is
	// rejected.
	AuthorizedSensors []string `yaml:"authorized_sensors"`

	// RevokedTokenIDs lists token IDs to reject regardless of
	// signature validity.
	RevokedTokenIDs []string `yaml:"revoked_token_ids"`

	// Retention bounds how long completed events are kept in the
	// chunk store. Duration string. Default: 72h
	Retention string `yaml:"retention"`

	// HeartbeatInterval is how often watch streams emit heartbeat
	// frames. Duration string. Default: 10s
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// Scheduler bounds the transfer windows the collector requests.
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig bounds chunk request windows.
type SchedulerConfig struct {
	// MaxChunks per window. Default: 32
	MaxChunks int `yaml:"max_chunks"`

	// MaxBytes of encoded payload per window. Default: 2097152 (2 MiB)
	MaxBytes int `yaml:"max_bytes"`

	// MaxInFlight unacknowledged chunks per sensor. Default: 32
	MaxInFlight int `yaml:"max_in_flight"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback —
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "flume")

	return &Config{
		Environment: Development,
		Sensor: SensorConfig{
			StateDir:          filepath.Join(defaultRoot, "sensor"),
			CollectorNetwork:  "tcp",
			CollectorAddr:     "127.0.0.1:7600",
			HeartbeatInterval: "10s",
			AckTimeout:        "60s",
			Retention:         "72h",
			ChunkSize:         128 * 1024,
			Compression:       "gzip",
			MaxSendAttempts:   5,
		},
		Collector: CollectorConfig{
			ListenNetwork:     "tcp",
			ListenAddr:        ":7600",
			StateDir:          filepath.Join(defaultRoot, "collector"),
			Retention:         "72h",
			HeartbeatInterval: "10s",
			Scheduler: SchedulerConfig{
				MaxChunks:   32,
				MaxBytes:    2 * 1024 * 1024,
				MaxInFlight: 32,
			},
		},
	}
}

// Load loads configuration from the FLUME_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults — if FLUME_CONFIG is not
// set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("FLUME_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FLUME_CONFIG environment variable not set; " +
			"set it to the path of your flume.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific override
// section matching the configured environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if o := overrides.Sensor; o != nil {
		applyString(&c.Sensor.ID, o.ID)
		applyString(&c.Sensor.StateDir, o.StateDir)
		applyString(&c.Sensor.CollectorNetwork, o.CollectorNetwork)
		applyString(&c.Sensor.CollectorAddr, o.CollectorAddr)
		applyString(&c.Sensor.TokenPath, o.TokenPath)
		applyString(&c.Sensor.HeartbeatInterval, o.HeartbeatInterval)
		applyString(&c.Sensor.AckTimeout, o.AckTimeout)
		applyString(&c.Sensor.Retention, o.Retention)
		applyString(&c.Sensor.Compression, o.Compression)
		applyInt(&c.Sensor.ChunkSize, o.ChunkSize)
		applyInt(&c.Sensor.MaxSendAttempts, o.MaxSendAttempts)
	}

	if o := overrides.Collector; o != nil {
		applyString(&c.Collector.ListenNetwork, o.ListenNetwork)
		applyString(&c.Collector.ListenAddr, o.ListenAddr)
		applyString(&c.Collector.StateDir, o.StateDir)
		applyString(&c.Collector.PublicKeyPath, o.PublicKeyPath)
		applyString(&c.Collector.Retention, o.Retention)
		applyString(&c.Collector.HeartbeatInterval, o.HeartbeatInterval)
		if len(o.AuthorizedSensors) > 0 {
			c.Collector.AuthorizedSensors = o.AuthorizedSensors
		}
		if len(o.RevokedTokenIDs) > 0 {
			c.Collector.RevokedTokenIDs = o.RevokedTokenIDs
		}
		applyInt(&c.Collector.Scheduler.MaxChunks, o.Scheduler.MaxChunks)
		applyInt(&c.Collector.Scheduler.MaxBytes, o.Scheduler.MaxBytes)
		applyInt(&c.Collector.Scheduler.MaxInFlight, o.Scheduler.MaxInFlight)
	}
}

func applyString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func applyInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Sensor.StateDir = expandVars(c.Sensor.StateDir, vars)
	c.Sensor.TokenPath = expandVars(c.Sensor.TokenPath, vars)
	c.Collector.StateDir = expandVars(c.Collector.StateDir, vars)
	c.Collector.PublicKeyPath = expandVars(c.Collector.PublicKeyPath, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// ValidateSensor checks the sensor section for errors. Called by the
// sensor binary; the collector section may be empty.
func (c *Config) ValidateSensor() error {
	var errs []error

	if err := c.validateEnvironment(); err != nil {
		errs = append(errs, err)
	}
	if c.Sensor.ID == "" {
		errs = append(errs, fmt.Errorf("sensor.id is required"))
	}
	if c.Sensor.StateDir == "" {
		errs = append(errs, fmt.Errorf("sensor.state_dir is required"))
	}
	if c.Sensor.CollectorAddr == "" {
		errs = append(errs, fmt.Errorf("sensor.collector_addr is required"))
	}
	if c.Sensor.TokenPath == "" {
		errs = append(errs, fmt.Errorf("sensor.token_path is required"))
	}
	errs = append(errs, validateNetwork("sensor.collector_network", c.Sensor.CollectorNetwork)...)
	errs = append(errs, validateDurations(map[string]string{
		"sensor.heartbeat_interval": c.Sensor.HeartbeatInterval,
		"sensor.ack_timeout":        c.Sensor.AckTimeout,
		"sensor.retention":          c.Sensor.Retention,
	})...)

	return errors.Join(errs...)
}

// ValidateCollector checks the collector section for errors.
func (c *Config) ValidateCollector() error {
	var errs []error

	if err := c.validateEnvironment(); err != nil {
		errs = append(errs, err)
	}
	if c.Collector.StateDir == "" {
		errs = append(errs, fmt.Errorf("collector.state_dir is required"))
	}
	if c.Collector.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("collector.listen_addr is required"))
	}
	if c.Collector.PublicKeyPath == "" {
		errs = append(errs, fmt.Errorf("collector.public_key_path is required"))
	}
	if len(c.Collector.AuthorizedSensors) == 0 {
		errs = append(errs, fmt.Errorf("collector.authorized_sensors must name at least one sensor"))
	}
	errs = append(errs, validateNetwork("collector.listen_network", c.Collector.ListenNetwork)...)
	errs = append(errs, validateDurations(map[string]string{
		"collector.retention":          c.Collector.Retention,
		"collector.heartbeat_interval": c.Collector.HeartbeatInterval,
	})...)

	return errors.Join(errs...)
}

func (c *Config) validateEnvironment() error {
	switch c.Environment {
	case Development, Staging, Production:
		return nil
	}
	return fmt.Errorf("invalid environment: %s", c.Environment)
}

func validateNetwork(field, value string) []error {
	if value == "tcp" || value == "unix" {
		return nil
	}
	return []error{fmt.Errorf("%s must be tcp or unix, got %q", field, value)}
}

func validateDurations(fields map[string]string) []error {
	var errs []error
	for field, value := range fields {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	return errs
}

// Duration parses a duration string from the config, falling back to
// the given default when the field is empty. Call only after
// validation; a malformed value returns the fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// EnsureStateDirs creates the configured state directories if they
// don't exist.
func (c *Config) EnsureStateDirs() error {
	for _, path := range []string{c.Sensor.StateDir, c.Collector.StateDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
