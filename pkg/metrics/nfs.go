package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NFSMetrics provides observability for the NFS client layer.
//
// Implementations can collect metrics about filesystem operations, the
// attribute cache, node accounting and throughput. This interface is
// optional - if not provided to the driver, a no-op implementation is used
// with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	cfg.Metrics = metrics.NewNFSMetrics()
//	driver, err := nfsclient.NewDriver(cfg)
//
//	// Without metrics (no-op): leave cfg.Metrics nil
type NFSMetrics interface {
	// RecordOperation records a completed filesystem operation with its
	// name, duration, and outcome.
	//
	// Parameters:
	//   - operation: Operation name (e.g., "lookup", "read", "write")
	//   - duration: Time taken by the operation, including all RPCs
	//   - err: Error if the operation failed, nil if successful
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordAttrCacheHit counts an attribute refresh served from cache.
	RecordAttrCacheHit()

	// RecordAttrCacheMiss counts an attribute refresh that issued GETATTR.
	RecordAttrCacheMiss()

	// RecordBytesTransferred records bytes read or written.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)

	// SetLiveNodes updates the number of live nodes across all mounts.
	SetLiveNodes(count int64)

	// SetMounts updates the number of active mounts.
	SetMounts(count int)
}

// nfsMetrics is the Prometheus implementation of NFSMetrics.
type nfsMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	attrCache         *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
	liveNodes         prometheus.Gauge
	mounts            prometheus.Gauge
}

// NewNFSMetrics creates a new Prometheus-backed NFSMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry
// not called).
func NewNFSMetrics() NFSMetrics {
	if !IsEnabled() {
		return NewNoopNFSMetrics()
	}

	reg := GetRegistry()

	return &nfsMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_operations_total",
				Help: "Total number of filesystem operations by name and status",
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "nfsclient_operation_duration_seconds",
				Help: "Duration of filesystem operations in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
				},
			},
			[]string{"operation"},
		),
		attrCache: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_attr_cache_total",
				Help: "Attribute cache lookups by result",
			},
			[]string{"result"}, // hit or miss
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_bytes_transferred_total",
				Help: "Total bytes transferred by READ and WRITE",
			},
			[]string{"direction"},
		),
		liveNodes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "nfsclient_live_nodes",
				Help: "Current number of live nodes across all mounts",
			},
		),
		mounts: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "nfsclient_mounts",
				Help: "Current number of active mounts",
			},
		),
	}
}

func (m *nfsMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *nfsMetrics) RecordAttrCacheHit() {
	m.attrCache.WithLabelValues("hit").Inc()
}

func (m *nfsMetrics) RecordAttrCacheMiss() {
	m.attrCache.WithLabelValues("miss").Inc()
}

func (m *nfsMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *nfsMetrics) SetLiveNodes(count int64) {
	m.liveNodes.Set(float64(count))
}

func (m *nfsMetrics) SetMounts(count int) {
	m.mounts.Set(float64(count))
}

// noopNFSMetrics is a no-op implementation of NFSMetrics with zero overhead.
type noopNFSMetrics struct{}

// NewNoopNFSMetrics returns an NFSMetrics that records nothing.
func NewNoopNFSMetrics() NFSMetrics {
	return noopNFSMetrics{}
}

func (noopNFSMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopNFSMetrics) RecordAttrCacheHit()                                                {}
func (noopNFSMetrics) RecordAttrCacheMiss()                                               {}
func (noopNFSMetrics) RecordBytesTransferred(direction string, bytes int64)               {}
func (noopNFSMetrics) SetLiveNodes(count int64)                                           {}
func (noopNFSMetrics) SetMounts(count int)                                                {}
