package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blocksMinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustchain_blocks_mined_total",
		Help: "Total blocks mined by this node.",
	})

	miningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustchain_mining_duration_seconds",
		Help:    "Wall time spent mining a block, including restarts.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	peerBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_peer_blocks_total",
		Help: "Peer blocks that changed the local chain, by effect.",
	}, []string{"effect"})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_sync_total",
		Help: "Completed sync exchanges by outcome.",
	}, []string{"outcome"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustchain_sync_duration_seconds",
		Help:    "Duration of sync exchanges.",
		Buckets: prometheus.DefBuckets,
	})

	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_verdicts_total",
		Help: "Access evaluations by result.",
	}, []string{"result"})

	chainLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustchain_chain_length",
		Help: "Number of blocks in the local chain, genesis included.",
	})

	pendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustchain_pending_events",
		Help: "Events waiting to be mined.",
	})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustchain_store_errors_total",
		Help: "Failed block store writes by operation.",
	}, []string{"op"})
)

func recordVerdict(allowed bool) {
	if allowed {
		verdictsTotal.WithLabelValues("allow").Inc()
	} else {
		verdictsTotal.WithLabelValues("deny").Inc()
	}
}
