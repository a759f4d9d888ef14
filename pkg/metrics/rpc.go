package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RPCMetrics provides observability for the RPC transaction engine.
//
// The engine records one observation per completed call plus the
// transport events the dispatch daemon sees (retransmissions, timeouts,
// dropped replies). If no implementation is supplied a no-op is used.
type RPCMetrics interface {
	// RecordCall records a completed call with its program, procedure,
	// round-trip duration and outcome.
	RecordCall(program uint32, procedure uint32, duration time.Duration, err error)

	// RecordRetransmit increments the retransmission counter for a program.
	RecordRetransmit(program uint32)

	// RecordTimeout increments the timed-out call counter for a program.
	RecordTimeout(program uint32)

	// RecordDroppedReply counts a discarded datagram. Reason is one of
	// "late_duplicate", "mismatch", "garbage".
	RecordDroppedReply(reason string)

	// SetInFlight updates the number of transactions currently in flight.
	SetInFlight(count int)
}

// rpcMetrics is the Prometheus implementation of RPCMetrics.
type rpcMetrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	retransmits    *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	droppedReplies *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewRPCMetrics creates a new Prometheus-backed RPCMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry
// not called).
func NewRPCMetrics() RPCMetrics {
	if !IsEnabled() {
		return NewNoopRPCMetrics()
	}

	reg := GetRegistry()

	return &rpcMetrics{
		callsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_rpc_calls_total",
				Help: "Total number of RPC calls by program, procedure and status",
			},
			[]string{"program", "procedure", "status"},
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "nfsclient_rpc_call_duration_seconds",
				Help: "Round-trip duration of RPC calls in seconds",
				Buckets: []float64{
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.025,  // 25ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
					3.0,    // 3s
					10.0,   // 10s
				},
			},
			[]string{"program"},
		),
		retransmits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_rpc_retransmits_total",
				Help: "Total number of datagrams retransmitted",
			},
			[]string{"program"},
		),
		timeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_rpc_timeouts_total",
				Help: "Total number of calls that ran out of time",
			},
			[]string{"program"},
		),
		droppedReplies: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nfsclient_rpc_dropped_replies_total",
				Help: "Total number of reply datagrams discarded by the dispatcher",
			},
			[]string{"reason"},
		),
		inFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "nfsclient_rpc_in_flight",
				Help: "Current number of transactions in flight",
			},
		),
	}
}

func programLabel(program uint32) string {
	switch program {
	case 100003:
		return "nfs"
	case 100005:
		return "mount"
	default:
		return strconv.FormatUint(uint64(program), 10)
	}
}

func (m *rpcMetrics) RecordCall(program uint32, procedure uint32, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	label := programLabel(program)
	m.callsTotal.WithLabelValues(label, strconv.FormatUint(uint64(procedure), 10), status).Inc()
	m.callDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *rpcMetrics) RecordRetransmit(program uint32) {
	m.retransmits.WithLabelValues(programLabel(program)).Inc()
}

func (m *rpcMetrics) RecordTimeout(program uint32) {
	m.timeouts.WithLabelValues(programLabel(program)).Inc()
}

func (m *rpcMetrics) RecordDroppedReply(reason string) {
	m.droppedReplies.WithLabelValues(reason).Inc()
}

func (m *rpcMetrics) SetInFlight(count int) {
	m.inFlight.Set(float64(count))
}

// noopRPCMetrics is a no-op implementation of RPCMetrics with zero overhead.
type noopRPCMetrics struct{}

// NewNoopRPCMetrics returns an RPCMetrics that records nothing.
func NewNoopRPCMetrics() RPCMetrics {
	return noopRPCMetrics{}
}

func (noopRPCMetrics) RecordCall(program uint32, procedure uint32, duration time.Duration, err error) {
}
func (noopRPCMetrics) RecordRetransmit(program uint32)   {}
func (noopRPCMetrics) RecordTimeout(program uint32)      {}
func (noopRPCMetrics) RecordDroppedReply(reason string) {}
func (noopRPCMetrics) SetInFlight(count int)            {}
