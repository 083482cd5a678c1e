// Package prom wires observability.Observer to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floegence/lanshare/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports transport-core metrics to Prometheus.
type Observer struct {
	pooledConnections prometheus.Gauge
	activeTransfers    prometheus.Gauge
	handshakeTotal     *prometheus.CounterVec
	handshakeLatency   prometheus.Histogram
	authFailureTotal   prometheus.Counter
	bytesTotal         *prometheus.CounterVec
	transferTotal      *prometheus.CounterVec
}

// NewObserver registers transport-core metrics on the registry.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		pooledConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanshare_pool_connections",
			Help: "Current peer connections held open in the client pool.",
		}),
		activeTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanshare_active_transfers",
			Help: "File transfers currently admitted and running.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanshare_handshake_total",
			Help: "Secure handshakes completed, by result.",
		}, []string{"result"}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanshare_handshake_latency_seconds",
			Help:    "Time to complete a secure handshake.",
			Buckets: prometheus.DefBuckets,
		}),
		authFailureTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanshare_auth_failures_total",
			Help: "AEAD authentication failures on encrypted session frames.",
		}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanshare_bytes_total",
			Help: "Bytes moved by file transfers, by direction.",
		}, []string{"direction"}),
		transferTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanshare_transfer_total",
			Help: "File transfers finished, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		o.pooledConnections,
		o.activeTransfers,
		o.handshakeTotal,
		o.handshakeLatency,
		o.authFailureTotal,
		o.bytesTotal,
		o.transferTotal,
	)
	return o
}

func (o *Observer) PooledConnections(n int) {
	o.pooledConnections.Set(float64(n))
}

func (o *Observer) ActiveTransfers(n int) {
	o.activeTransfers.Set(float64(n))
}

func (o *Observer) Handshake(result observability.HandshakeResult, d time.Duration) {
	o.handshakeTotal.WithLabelValues(string(result)).Inc()
	o.handshakeLatency.Observe(d.Seconds())
}

func (o *Observer) AuthFailure() {
	o.authFailureTotal.Inc()
}

func (o *Observer) Bytes(direction observability.ByteDirection, n int64) {
	o.bytesTotal.WithLabelValues(string(direction)).Add(float64(n))
}

func (o *Observer) TransferCompleted(result observability.TransferResult) {
	o.transferTotal.WithLabelValues(string(result)).Inc()
}

var _ observability.Observer = (*Observer)(nil)
