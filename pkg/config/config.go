package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/nfsclient/pkg/nfsclient"
	"github.com/spf13/viper"
)

// Config represents the complete nfsclient configuration.
//
// This structure captures all configurable aspects of the client including:
//   - Logging configuration
//   - RPC transaction engine settings (socket, queues, transaction pools)
//   - NFS protocol engine settings (attribute cache, device numbers)
//   - Metrics exposure
//   - Mount definitions
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (NFSCLIENT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Mount options are free-form maps decoded by nfsclient.ParseMountOptions,
// so new per-mount options need no change here.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// RPC configures the transaction engine shared by all mounts
	RPC RPCConfig `mapstructure:"rpc" yaml:"rpc"`

	// NFS configures the protocol engine shared by all mounts
	NFS NFSConfig `mapstructure:"nfs" yaml:"nfs"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Mounts lists the exports to mount and where to attach them
	Mounts []MountConfig `mapstructure:"mounts" yaml:"mounts" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// RPCConfig configures the RPC transaction engine.
type RPCConfig struct {
	// LocalAddr is the local UDP address of the RPC socket.
	// Empty binds an ephemeral port on all interfaces.
	LocalAddr string `mapstructure:"local_addr" yaml:"local_addr" validate:"omitempty,hostname_port"`

	// QueueDepth bounds the submission queue of the dispatch daemon
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth" validate:"gt=0"`

	// RebaseAfter is how old the timing epoch may grow before stored
	// deadlines are rebased
	RebaseAfter time.Duration `mapstructure:"rebase_after" yaml:"rebase_after" validate:"gt=0"`

	// SmallTransactions, LargeTransactions and MountTransactions size the
	// transaction pools
	SmallTransactions int `mapstructure:"small_transactions" yaml:"small_transactions" validate:"gt=0"`
	LargeTransactions int `mapstructure:"large_transactions" yaml:"large_transactions" validate:"gt=0"`
	MountTransactions int `mapstructure:"mount_transactions" yaml:"mount_transactions" validate:"gt=0"`

	// PoolMode is what a call does when its pool is exhausted
	// Valid values: fail, wait, create
	PoolMode string `mapstructure:"pool_mode" yaml:"pool_mode" validate:"required,oneof=fail wait create"`
}

// NFSConfig configures the NFS protocol engine.
type NFSConfig struct {
	// AttrTTL is how long fetched attributes are trusted
	AttrTTL time.Duration `mapstructure:"attr_ttl" yaml:"attr_ttl" validate:"gt=0"`

	// DisableAttrTTL makes cached attributes never expire
	DisableAttrTTL bool `mapstructure:"disable_attr_ttl" yaml:"disable_attr_ttl"`

	// DeviceMajor is the major number of synthesized device numbers
	DeviceMajor uint32 `mapstructure:"device_major" yaml:"device_major" validate:"gt=0"`

	// NarrowInodes packs the high half of file ids into the device minor
	NarrowInodes bool `mapstructure:"narrow_inodes" yaml:"narrow_inodes"`
}

// MetricsConfig controls the metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection and the /metrics endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port of the metrics endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// MountConfig defines one mount.
type MountConfig struct {
	// Point is the local path the mount is attached at in the namespace
	Point string `mapstructure:"point" yaml:"point" validate:"required,startswith=/"`

	// Options are decoded into nfsclient.MountOptions (server, export,
	// uid, gid, timeouts, ...)
	Options map[string]any `mapstructure:"options" yaml:"options" validate:"required"`
}

// MountOptions decodes and validates the mount's options.
func (m *MountConfig) MountOptions() (nfsclient.MountOptions, error) {
	opts, err := nfsclient.ParseMountOptions(m.Options)
	if err != nil {
		return opts, fmt.Errorf("mount %s: %w", m.Point, err)
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("mount %s: %w", m.Point, err)
	}
	return opts, nil
}

// DriverConfig returns the nfsclient driver settings. The metrics collectors
// come from InitializeMetrics.
func (c *Config) DriverConfig(m *MetricsResult) nfsclient.Config {
	cfg := nfsclient.Config{
		LocalAddr:         c.RPC.LocalAddr,
		QueueDepth:        c.RPC.QueueDepth,
		RebaseAfter:       c.RPC.RebaseAfter,
		SmallTransactions: c.RPC.SmallTransactions,
		LargeTransactions: c.RPC.LargeTransactions,
		MountTransactions: c.RPC.MountTransactions,
		PoolMode:          c.RPC.PoolMode,
		AttrTTL:           c.NFS.AttrTTL,
		DisableAttrTTL:    c.NFS.DisableAttrTTL,
		DeviceMajor:       c.NFS.DeviceMajor,
		NarrowInodes:      c.NFS.NarrowInodes,
	}
	if m != nil {
		cfg.RPCMetrics = m.RPCMetrics
		cfg.Metrics = m.NFSMetrics
	}
	return cfg
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NFSCLIENT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the NFSCLIENT_ prefix and underscores
	// Example: NFSCLIENT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("NFSCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/nfsclient/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		// An explicit path that does not exist is not an error either
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nfsclient")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "nfsclient")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
