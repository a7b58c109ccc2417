// Package metrics holds the gateway's Prometheus instruments. A single
// Metrics value is constructed against a registry at startup and threaded
// through the components that record; nothing here uses the global default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// Outcome label values for RequestsTotal.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Metrics holds all Prometheus instruments for the guardrail gateway.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestsBlockedTotal *prometheus.CounterVec
	CheckDuration        *prometheus.HistogramVec
	LatencyByUseCase     *prometheus.HistogramVec
	BudgetExceededTotal  *prometheus.CounterVec
	ConfidenceScore      *prometheus.HistogramVec
	ModelAvailable       *prometheus.GaugeVec
	RateLimitDenials     *prometheus.CounterVec
}

// New creates and registers all instruments with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_requests_total",
				Help: "Total pipeline runs by side, use case, and outcome",
			},
			[]string{"side", "use_case", "outcome"},
		),
		RequestsBlockedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_requests_blocked_total",
				Help: "Total blocks by checker type and variant",
			},
			[]string{"type", "variant"},
		),
		CheckDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_check_duration_seconds",
				Help:    "Per-checker invocation duration",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
			},
			[]string{"type", "variant"},
		),
		LatencyByUseCase: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_latency_by_use_case_seconds",
				Help:    "Whole-pipeline duration by use case and side",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"use_case", "side"},
		),
		BudgetExceededTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_latency_budget_exceeded_total",
				Help: "Pipeline runs that skipped checkers for lack of budget",
			},
			[]string{"use_case", "side"},
		),
		ConfidenceScore: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_confidence_score",
				Help:    "Checker confidence scores, sampled per call",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"type", "variant"},
		),
		ModelAvailable: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrail_model_available",
				Help: "Whether a checker variant is constructed and available (0/1)",
			},
			[]string{"type", "variant"},
		),
		RateLimitDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_denials_total",
				Help: "Traffic guardrail denials by reason",
			},
			[]string{"reason"},
		),
	}
}

// ObserveOutcome records the pipeline-level instruments for one run:
// request count by outcome, whole-pipeline latency, budget overruns, and
// per-result block/duration/confidence samples.
func (m *Metrics) ObserveOutcome(side guardrail.Side, useCase guardrail.UseCase, outcome guardrail.PipelineOutcome, seconds float64) {
	o := OutcomeAllowed
	if !outcome.Allowed {
		o = OutcomeBlocked
	}
	m.RequestsTotal.WithLabelValues(side.String(), useCase.String(), o).Inc()
	m.LatencyByUseCase.WithLabelValues(useCase.String(), side.String()).Observe(seconds)
	if outcome.BudgetExceeded {
		m.BudgetExceededTotal.WithLabelValues(useCase.String(), side.String()).Inc()
	}

	for _, r := range outcome.Results {
		m.CheckDuration.WithLabelValues(r.Type.String(), r.VariantID).Observe(float64(r.LatencyMS) / 1000)
		m.ConfidenceScore.WithLabelValues(r.Type.String(), r.VariantID).Observe(r.Confidence)
		if !r.Passed && r.Action == guardrail.ActionBlock {
			m.RequestsBlockedTotal.WithLabelValues(r.Type.String(), r.VariantID).Inc()
		}
	}
}

// SetAvailability publishes the registry's availability map to the
// guardrail_model_available gauge.
func (m *Metrics) SetAvailability(typ guardrail.GuardrailType, variant string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	m.ModelAvailable.WithLabelValues(typ.String(), variant).Set(v)
}
