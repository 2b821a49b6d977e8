package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	operations          *prometheus.CounterVec
	convergenceFailures *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	cycles              *prometheus.CounterVec
	ghostsRemoved       prometheus.Counter
	ghostFailures       prometheus.Counter
	unknownRemoved      prometheus.Counter
	statsUpdated        prometheus.Counter
}

// NewMetrics registers the reconciler collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgkeeper_peer_operations_total",
			Help: "Peer lifecycle operations by operation and result",
		}, []string{"op", "result"}),
		convergenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgkeeper_convergence_failures_total",
			Help: "Interface updates that failed after the directory change was committed",
		}, []string{"op"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wgkeeper_stats_cycle_duration_seconds",
			Help:    "Duration of each statistics reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wgkeeper_stats_cycles_total",
			Help: "Statistics reconciliation cycles by result",
		}, []string{"result"}),
		ghostsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "wgkeeper_ghost_peers_removed_total",
			Help: "Disabled peers found live on the interface and removed",
		}),
		ghostFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wgkeeper_ghost_peer_removal_failures_total",
			Help: "Ghost peers that could not be removed from the interface",
		}),
		unknownRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "wgkeeper_unknown_peers_removed_total",
			Help: "Live peers with no directory record that were pruned",
		}),
		statsUpdated: f.NewCounter(prometheus.CounterOpts{
			Name: "wgkeeper_peer_stats_updates_total",
			Help: "Peer records updated with live statistics",
		}),
	}
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) convergenceFailed(op string) {
	if m == nil {
		return
	}
	m.convergenceFailures.WithLabelValues(op).Inc()
}
