// Package monitoring holds the outlet's Prometheus metrics. All methods are safe on a nil
// *Metrics, so instrumentation is optional everywhere.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Dispatcher metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Protocol client metrics
	ProxyCalls          *prometheus.CounterVec
	ProxyCallDuration   *prometheus.HistogramVec
	PendingCalls        prometheus.Gauge
	CallTimeouts        prometheus.Counter
	UnexpectedResponses prometheus.Counter
	ProcessSpawns       *prometheus.CounterVec
}

var durationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// NewMetrics registers the outlet metrics on reg. Use a fresh prometheus.NewRegistry()
// per test; registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outlet_requests_total",
				Help: "Total number of dispatched JSON-RPC requests by method and result code",
			},
			[]string{"method", "code"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outlet_request_duration_seconds",
				Help:    "Dispatcher request duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"method"},
		),
		ProxyCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outlet_proxy_calls_total",
				Help: "Total number of calls forwarded to MCP servers",
			},
			[]string{"method", "status"},
		),
		ProxyCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outlet_proxy_call_duration_seconds",
				Help:    "Round trip of a forwarded call in seconds",
				Buckets: durationBuckets,
			},
			[]string{"method"},
		),
		PendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "outlet_pending_calls",
				Help: "Calls waiting for a server response",
			},
		),
		CallTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "outlet_call_timeouts_total",
				Help: "Calls rejected because no response arrived in time",
			},
		),
		UnexpectedResponses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "outlet_unexpected_responses_total",
				Help: "Responses whose id matched no pending call",
			},
		),
		ProcessSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outlet_process_spawns_total",
				Help: "Server process launches by result",
			},
			[]string{"result"},
		),
	}
}

// RecordRequest records one dispatcher request. code is "ok" or the error code.
func (m *Metrics) RecordRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, code).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) RecordProxyCall(method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProxyCalls.WithLabelValues(method, status).Inc()
	m.ProxyCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.PendingCalls.Inc()
}

func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.PendingCalls.Dec()
}

func (m *Metrics) CallTimedOut() {
	if m == nil {
		return
	}
	m.CallTimeouts.Inc()
}

func (m *Metrics) UnexpectedResponse() {
	if m == nil {
		return
	}
	m.UnexpectedResponses.Inc()
}

// ProcessSpawned records a launch attempt; result is "ok" or "error".
func (m *Metrics) ProcessSpawned(result string) {
	if m == nil {
		return
	}
	m.ProcessSpawns.WithLabelValues(result).Inc()
}
