package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Count of JSON-RPC requests to the node and wallet.",
	}, []string{"endpoint", "method", "status"})

	rpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Duration of JSON-RPC requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint", "method", "status"})

	relayEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "events_total",
		Help:      "Count of mining events forwarded per sink.",
	}, []string{"sink", "status"})
)

// RPC records request metrics for one endpoint ("node" or "wallet")
type RPC struct {
	endpoint string
}

// NewRPC returns the recorder for endpoint
func NewRPC(endpoint string) *RPC {
	if endpoint == "" {
		endpoint = "unknown"
	}
	return &RPC{endpoint: endpoint}
}

// Observe records one request
func (m *RPC) Observe(method string, err error, started time.Time) {
	status := statusOf(err)
	rpcRequestsTotal.WithLabelValues(m.endpoint, method, status).Inc()
	rpcRequestDuration.WithLabelValues(m.endpoint, method, status).Observe(time.Since(started).Seconds())
}

// ObserveRelay records one forwarded event for sink
func ObserveRelay(sink string, err error) {
	relayEventsTotal.WithLabelValues(sink, statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
