package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/evidence-router/internal/core/domain"
)

const namespace = "evr"

type retrievalCollectors struct {
	requestsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	incompleteTotal *prometheus.CounterVec
	noEvidenceTotal *prometheus.CounterVec
	conflictsTotal  *prometheus.CounterVec
	items           *prometheus.HistogramVec
	duration        *prometheus.HistogramVec
}

func newRetrievalCollectors(registry *prometheus.Registry) *retrievalCollectors {
	c := &retrievalCollectors{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "requests_total",
				Help:      "Total completed retrievals by intent.",
			},
			[]string{"service", "endpoint", "intent"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "source_outcomes_total",
				Help:      "Source plan outcomes by source, index kind and status.",
			},
			[]string{"service", "source", "index_kind", "status"},
		),
		incompleteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "evidence_incomplete_total",
				Help:      "Retrievals where at least one source failed or timed out.",
			},
			[]string{"service", "endpoint"},
		),
		noEvidenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "no_evidence_total",
				Help:      "Retrievals that returned no evidence.",
			},
			[]string{"service", "endpoint"},
		),
		conflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "identity_conflicts_total",
				Help:      "Chunk ids whose content disagreed across adapters.",
			},
			[]string{"service"},
		),
		items: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "evidence_items",
				Help:      "Evidence items returned per retrieval.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"service", "endpoint"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "duration_seconds",
				Help:      "End-to-end retrieval duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"service", "endpoint"},
		),
	}
	registry.MustRegister(
		c.requestsTotal,
		c.outcomesTotal,
		c.incompleteTotal,
		c.noEvidenceTotal,
		c.conflictsTotal,
		c.items,
		c.duration,
	)
	return c
}

func (c *retrievalCollectors) observe(service, endpoint string, result *domain.AggregatedResult, duration time.Duration) {
	c.duration.WithLabelValues(service, endpoint).Observe(duration.Seconds())
	if result == nil {
		return
	}

	intent := string(result.Intent)
	if intent == "" {
		intent = string(domain.IntentUnknown)
	}
	c.requestsTotal.WithLabelValues(service, endpoint, intent).Inc()
	c.items.WithLabelValues(service, endpoint).Observe(float64(len(result.Items)))

	for _, outcome := range result.Outcomes {
		c.outcomesTotal.WithLabelValues(service, outcome.Source, string(outcome.IndexKind), string(outcome.Status)).Inc()
	}
	if !result.EvidenceComplete {
		c.incompleteTotal.WithLabelValues(service, endpoint).Inc()
	}
	if len(result.Items) == 0 {
		c.noEvidenceTotal.WithLabelValues(service, endpoint).Inc()
	}
	if n := len(result.Conflicts); n > 0 {
		c.conflictsTotal.WithLabelValues(service).Add(float64(n))
	}
}
