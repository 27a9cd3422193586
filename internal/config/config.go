// Package config provides Viper-based configuration loading for the tick server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "TICKSERVER"

// MaxDatagramSize is the largest UDP payload the server reads or writes.
const MaxDatagramSize = 65535

// ServerConfig holds the UDP listener settings.
type ServerConfig struct {
	// Host is the bind address for the UDP socket.
	Host string `mapstructure:"host"`
	// Port is the UDP port.
	Port int `mapstructure:"port"`
	// InboxSize bounds the number of received datagrams waiting for the tick loop.
	InboxSize int `mapstructure:"inbox_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TickConfig holds scheduler settings.
type TickConfig struct {
	// Rate is the target number of ticks per second.
	Rate int `mapstructure:"rate"`
	// InactivityTimeout is how long a player may stay silent before being
	// disconnected. Zero disables the sweep.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	// ReportInterval is how often aggregated tick metrics are logged.
	// Zero disables the report.
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// Period returns the tick budget derived from Rate.
//
// Precondition: Rate > 0.
func (t TickConfig) Period() time.Duration {
	return time.Second / time.Duration(t.Rate)
}

// WorldConfig holds settings for the default world gateway.
type WorldConfig struct {
	// Seed is the world seed. Zero picks a random seed at startup.
	Seed uint64 `mapstructure:"seed"`
	// ChunkSize is the edge length of a chunk in world units.
	ChunkSize int `mapstructure:"chunk_size"`
	// ViewRadius is the number of chunks kept loaded around each player.
	ViewRadius int `mapstructure:"view_radius"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, sends log output to a rotated file instead of stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the number of days rotated files are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Tick    TickConfig    `mapstructure:"tick"`
	World   WorldConfig   `mapstructure:"world"`
	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTick(c.Tick); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWorld(c.World); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHealth(c.Health); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Host == "" {
		errs = append(errs, "server.host must not be empty")
	}
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if s.InboxSize < 1 {
		errs = append(errs, fmt.Sprintf("server.inbox_size must be >= 1, got %d", s.InboxSize))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTick(t TickConfig) error {
	var errs []string
	if t.Rate < 1 || t.Rate > 1000 {
		errs = append(errs, fmt.Sprintf("tick.rate must be 1-1000, got %d", t.Rate))
	}
	if t.InactivityTimeout < 0 {
		errs = append(errs, "tick.inactivity_timeout must not be negative")
	}
	if t.ReportInterval < 0 {
		errs = append(errs, "tick.report_interval must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	if w.ChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("world.chunk_size must be >= 1, got %d", w.ChunkSize))
	}
	if w.ViewRadius < 0 {
		errs = append(errs, fmt.Sprintf("world.view_radius must be >= 0, got %d", w.ViewRadius))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []string
	if h.Host == "" {
		errs = append(errs, "health.host must not be empty")
	}
	if h.Port < 0 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("health.port must be 0-65535, got %d", h.Port))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// NewViper returns a Viper instance with defaults and environment overrides
// applied, ready for flag binding and an optional config file.
//
// Postcondition: Returns a non-nil *viper.Viper.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 25565)
	v.SetDefault("server.inbox_size", 1024)

	v.SetDefault("tick.rate", 20)
	v.SetDefault("tick.inactivity_timeout", "2s")
	v.SetDefault("tick.report_interval", "10s")

	v.SetDefault("world.seed", 0)
	v.SetDefault("world.chunk_size", 16)
	v.SetDefault("world.view_radius", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 50051)
}
