package config

import (
	"strings"

	"github.com/marmos91/nfsclient/pkg/metrics"
	"github.com/marmos91/nfsclient/pkg/nfsclient"
	"github.com/marmos91/nfsclient/pkg/rpcio"
)

// DefaultMetricsPort is the port of the /metrics endpoint.
const DefaultMetricsPort = metrics.DefaultPort

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Per-mount defaults are applied when the mount options are decoded
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyRPCDefaults(&cfg.RPC)
	applyNFSDefaults(&cfg.NFS)
	applyMetricsDefaults(&cfg.Metrics)

	for i := range cfg.Mounts {
		if cfg.Mounts[i].Options == nil {
			cfg.Mounts[i].Options = make(map[string]any)
		}
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

// applyRPCDefaults sets transaction engine defaults.
func applyRPCDefaults(cfg *RPCConfig) {
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = rpcio.DefaultQueueDepth
	}
	if cfg.RebaseAfter == 0 {
		cfg.RebaseAfter = rpcio.DefaultRebaseAfter
	}
	if cfg.SmallTransactions == 0 {
		cfg.SmallTransactions = nfsclient.DefaultSmallTransactions
	}
	if cfg.LargeTransactions == 0 {
		cfg.LargeTransactions = nfsclient.DefaultLargeTransactions
	}
	if cfg.MountTransactions == 0 {
		cfg.MountTransactions = nfsclient.DefaultMountTransactions
	}
	if cfg.PoolMode == "" {
		cfg.PoolMode = rpcio.GetWait.String()
	}
	cfg.PoolMode = strings.ToLower(cfg.PoolMode)
}

// applyNFSDefaults sets protocol engine defaults.
func applyNFSDefaults(cfg *NFSConfig) {
	if cfg.AttrTTL == 0 {
		cfg.AttrTTL = nfsclient.DefaultAttrTTL
	}
	if cfg.DeviceMajor == 0 {
		cfg.DeviceMajor = nfsclient.DefaultDeviceMajor
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The default configuration carries one example mount of /export from a
// server on localhost.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mounts: []MountConfig{
			{
				Point: "/mnt/nfs",
				Options: map[string]any{
					"server":  "localhost:2049",
					"export":  "/export",
					"uid":     0,
					"gid":     0,
					"timeout": rpcio.DefaultTimeout.String(),
				},
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
