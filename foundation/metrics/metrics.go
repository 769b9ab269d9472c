// Package metrics maintains the prometheus collectors for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seagull"

var registry = prometheus.NewRegistry()

var factory = promauto.With(registry)

// Set of collectors updated by the node.
var (
	GossipReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "messages_received_total",
		Help:      "Gossip messages received by type.",
	}, []string{"type"})

	GossipSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "messages_sent_total",
		Help:      "Gossip messages queued for sending by type.",
	}, []string{"type"})

	GossipDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "messages_dropped_total",
		Help:      "Gossip messages dropped by reason.",
	}, []string{"reason"})

	PeersConnected = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "peers_connected",
		Help:      "Open gossip connections.",
	})

	BlocksFinalized = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_finalized_total",
		Help:      "Blocks appended to the local chain.",
	})

	ChainHeight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "height",
		Help:      "Index of the latest block.",
	})

	ProposalsRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "proposals_rejected_total",
		Help:      "Proposals that failed to reach quorum.",
	})

	MempoolSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mempool",
		Name:      "transactions",
		Help:      "Transactions waiting to be placed in a block.",
	})

	Requests = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests handled by the web api.",
	})

	Errors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "errors_total",
		Help:      "Requests that returned an error.",
	})

	Panics = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "panics_total",
		Help:      "Requests that panicked.",
	})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the handler that serves the collected metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
