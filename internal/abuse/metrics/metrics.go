package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the abuse guard.
type Metrics struct {
	Decisions *prometheus.CounterVec
	FailOpen  prometheus.Counter
	BlocksSet prometheus.Counter
}

// New creates and registers guard metrics against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_abuse_decisions_total",
			Help: "Guard decisions by outcome",
		}, []string{"outcome"}),
		FailOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_abuse_fail_open_total",
			Help: "Requests admitted because the counter store was unreachable",
		}),
		BlocksSet: factory.NewCounter(prometheus.CounterOpts{
			Name: "taglink_abuse_blocks_set_total",
			Help: "Block flags set for offending IPs",
		}),
	}
}

// RecordDecision increments the decision counter for an outcome label.
func (m *Metrics) RecordDecision(outcome string) {
	m.Decisions.WithLabelValues(outcome).Inc()
}
