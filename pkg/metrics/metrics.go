// Package metrics exposes gluedns's Prometheus metrics, registered
// eagerly at import time under a gluedns_ prefix.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistryBindingsTotal is the current number of distinct bindings
	// held by the registry.
	RegistryBindingsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gluedns_registry_bindings_total",
			Help: "Current number of bindings held in the registry",
		},
	)

	// RegistryMutationsTotal counts every mutation Apply has processed,
	// by outcome (accepted, ignored-stale, ignored-duplicate).
	RegistryMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gluedns_registry_mutations_total",
			Help: "Total number of registry mutations processed, by outcome",
		},
		[]string{"outcome"},
	)

	// GossipMessagesSentTotal counts locally originated mutations this
	// node has broadcast, by type (upsert, remove). Handshake and
	// full-sync messages are not counted.
	GossipMessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gluedns_gossip_messages_sent_total",
			Help: "Total number of gossip messages sent, by type",
		},
		[]string{"type"},
	)

	// GossipMessagesReceivedTotal counts wire messages received, by tag.
	GossipMessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gluedns_gossip_messages_received_total",
			Help: "Total number of gossip messages received, by type",
		},
		[]string{"type"},
	)

	// GossipDedupDroppedTotal counts messages discarded by the dedup
	// cache as already-seen.
	GossipDedupDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gluedns_gossip_dedup_dropped_total",
			Help: "Total number of gossip messages dropped as duplicates",
		},
	)

	// GossipPeersTotal is the current number of known peers, by state.
	GossipPeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gluedns_gossip_peers",
			Help: "Current number of gossip peers, by handshake state",
		},
		[]string{"state"},
	)

	// ObserverPollFailuresTotal counts every container-runtime poll that
	// returned an error, over the life of the process.
	ObserverPollFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gluedns_observer_poll_failures_total",
			Help: "Total number of failed container runtime polls",
		},
	)

	// ObserverPollDuration measures how long each poll of the container
	// runtime takes.
	ObserverPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gluedns_observer_poll_duration_seconds",
			Help:    "Time taken to poll the container runtime, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DNSQueriesTotal counts DNS queries served, by result (answered,
	// nxdomain, forwarded, servfail).
	DNSQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gluedns_dns_queries_total",
			Help: "Total number of DNS queries served, by result",
		},
		[]string{"result"},
	)

	// DNSQueryDuration measures end-to-end query handling time.
	DNSQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gluedns_dns_query_duration_seconds",
			Help:    "Time taken to answer a DNS query, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		RegistryBindingsTotal,
		RegistryMutationsTotal,
		GossipMessagesSentTotal,
		GossipMessagesReceivedTotal,
		GossipDedupDroppedTotal,
		GossipPeersTotal,
		ObserverPollFailuresTotal,
		ObserverPollDuration,
		DNSQueriesTotal,
		DNSQueryDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
