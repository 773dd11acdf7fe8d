package network

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the coordinator updates as
// connections and gossip links open and close. Each ChainNetwork
// builds its own registry rather than registering into the global
// default registry, so tests can instantiate many instances
// concurrently without a "duplicate metrics collector" panic.
type Metrics struct {
	Registry *prometheus.Registry

	OpenConnections   prometheus.Gauge
	OpenSubstreams    prometheus.Gauge
	GossipLinksOpen   prometheus.Gauge
	InboundAccepted   prometheus.Counter
	InboundRejected   prometheus.Counter
	RequestsStarted   *prometheus.CounterVec
	RequestsTimedOut  prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_open_connections",
			Help: "Number of established connections.",
		}),
		OpenSubstreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_open_substreams",
			Help: "Number of open substreams across all connections.",
		}),
		GossipLinksOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainnet_gossip_links_open",
			Help: "Number of open Block-Announces gossip links.",
		}),
		InboundAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_inbound_substreams_accepted_total",
			Help: "Inbound substream negotiations accepted.",
		}),
		InboundRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_inbound_substreams_rejected_total",
			Help: "Inbound substream negotiations rejected.",
		}),
		RequestsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainnet_requests_started_total",
			Help: "Outbound requests started, by protocol.",
		}, []string{"protocol"}),
		RequestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainnet_requests_timed_out_total",
			Help: "Outbound requests that hit their per-call deadline.",
		}),
	}
	reg.MustRegister(m.OpenConnections, m.OpenSubstreams, m.GossipLinksOpen,
		m.InboundAccepted, m.InboundRejected, m.RequestsStarted, m.RequestsTimedOut)
	return m
}
