package config

import (
	"github.com/marmos91/nfsclient/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// RPCMetrics is the collector for the transaction engine (never nil)
	RPCMetrics metrics.RPCMetrics

	// NFSMetrics is the collector for the protocol engine (never nil)
	NFSMetrics metrics.NFSMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for both engines
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			RPCMetrics: metrics.NewNoopRPCMetrics(),
			NFSMetrics: metrics.NewNoopNFSMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:     server,
		RPCMetrics: metrics.NewRPCMetrics(),
		NFSMetrics: metrics.NewNFSMetrics(),
	}
}
