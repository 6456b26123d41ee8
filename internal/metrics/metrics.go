// Package metrics defines the Metrics sink interface the core writes
// counters to (spec.md §1: metrics endpoints are an external
// collaborator; "the core only writes counters to it", §6.2) and a
// default Prometheus-backed implementation, grounded in katzenpost's
// server/internal/instrument package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the counters/gauges/histograms surface the core writes to.
// Nothing in internal/connection, internal/dispatch, or
// internal/acceptor depends on Prometheus directly; they depend on
// this interface, so a different collector can be substituted without
// touching the core.
type Sink interface {
	HandshakeSucceeded()
	HandshakeFailed(reason string)
	MessageBroadcast()
	MessageRejected(reason string)
	RateLimited(scope string)
	ConnectionOpened()
	ConnectionClosed(reason string)
	ActiveConnections(n int)
	MessageLatency(seconds float64)
}

// Prometheus is the default Sink, exposing a standard Prometheus
// exposition endpoint the way katzenpost's instrument package does.
type Prometheus struct {
	handshakesTotal  *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	connectionsTotal *prometheus.CounterVec
	activeConns      prometheus.Gauge
	messageLatency   prometheus.Histogram
}

// NewPrometheus constructs a Prometheus sink registered against reg.
// Pass prometheus.NewRegistry() for test isolation, or nil to use the
// global default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_handshakes_total",
			Help: "Handshake attempts by outcome.",
		}, []string{"outcome"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_messages_total",
			Help: "Chat messages processed by outcome.",
		}, []string{"outcome"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_connections_total",
			Help: "Connections opened and closed, by close reason for closes.",
		}, []string{"event"}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_active_connections",
			Help: "Currently open connections.",
		}),
		messageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_message_process_seconds",
			Help:    "Time to decrypt, verify, persist and fan out one message.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(p.handshakesTotal, p.messagesTotal, p.rateLimitedTotal,
		p.connectionsTotal, p.activeConns, p.messageLatency)
	return p
}

func (p *Prometheus) HandshakeSucceeded()       { p.handshakesTotal.WithLabelValues("success").Inc() }
func (p *Prometheus) HandshakeFailed(reason string) {
	p.handshakesTotal.WithLabelValues("failed:" + reason).Inc()
}
func (p *Prometheus) MessageBroadcast() { p.messagesTotal.WithLabelValues("broadcast").Inc() }
func (p *Prometheus) MessageRejected(reason string) {
	p.messagesTotal.WithLabelValues("rejected:" + reason).Inc()
}
func (p *Prometheus) RateLimited(scope string) { p.rateLimitedTotal.WithLabelValues(scope).Inc() }
func (p *Prometheus) ConnectionOpened()        { p.connectionsTotal.WithLabelValues("opened").Inc() }
func (p *Prometheus) ConnectionClosed(reason string) {
	p.connectionsTotal.WithLabelValues("closed:" + reason).Inc()
}
func (p *Prometheus) ActiveConnections(n int)       { p.activeConns.Set(float64(n)) }
func (p *Prometheus) MessageLatency(seconds float64) { p.messageLatency.Observe(seconds) }

// Serve starts a blocking HTTP listener exposing /metrics, the way
// katzenpost's instrument.Init does. Intended to be run in its own
// goroutine by cmd/meshserver.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

// Noop implements Sink by discarding everything; useful for tests.
type Noop struct{}

func (Noop) HandshakeSucceeded()          {}
func (Noop) HandshakeFailed(string)       {}
func (Noop) MessageBroadcast()            {}
func (Noop) MessageRejected(string)       {}
func (Noop) RateLimited(string)           {}
func (Noop) ConnectionOpened()            {}
func (Noop) ConnectionClosed(string)      {}
func (Noop) ActiveConnections(int)        {}
func (Noop) MessageLatency(float64)       {}
