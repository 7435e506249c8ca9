package rpc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics tracks request outcomes per method for operational dashboards.
type RPCMetrics struct {
	requests *prometheus.CounterVec
}

var (
	metricsOnce     sync.Once
	metricsRegistry *RPCMetrics
)

// Metrics returns the process-wide RPC metrics registry.
func Metrics() *RPCMetrics {
	metricsOnce.Do(func() {
		metricsRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrowagent_rpc_requests_total",
				Help: "Count of RPC requests by method and outcome.",
			}, []string{"method", "outcome"}),
		}
		prometheus.MustRegister(metricsRegistry.requests)
	})
	return metricsRegistry
}

// ObserveRequest records one request outcome.
func (m *RPCMetrics) ObserveRequest(method, outcome string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}
