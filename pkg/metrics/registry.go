// Package metrics exports Prometheus collectors for the two client engines:
// RPCMetrics for the transaction engine and NFSMetrics for the protocol
// engine.
//
// Collection is off until InitRegistry is called. Before that every
// constructor returns a no-op implementation, so engines can record
// unconditionally.
//
//	metrics.InitRegistry()
//	cfg.RPCMetrics = metrics.NewRPCMetrics()
//	cfg.Metrics = metrics.NewNFSMetrics()
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry, seeded with the Go
// runtime and process collectors. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "nfsclient"}),
		)
		registry = reg
	})
}

// GetRegistry returns the registry, or nil while collection is off.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}

// Handler serves the registry in the Prometheus exposition format. While
// collection is off it answers 503.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          reg,
	})
}
