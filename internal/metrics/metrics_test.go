package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

func TestObserveOutcomeCountsBlockAndBudget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	blocked := guardrail.GuardrailSecrets
	outcome := guardrail.PipelineOutcome{
		Allowed:        false,
		BlockedBy:      &blocked,
		BudgetExceeded: true,
		Results: []guardrail.CheckerResult{
			{Type: guardrail.GuardrailSecrets, VariantID: "pattern_v1", Passed: false, Action: guardrail.ActionBlock, Confidence: 0.95, LatencyMS: 3},
		},
	}
	m.ObserveOutcome(guardrail.SidePre, guardrail.UseCaseChat, outcome, 0.004)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("pre", "chat", OutcomeBlocked)); got != 1 {
		t.Errorf("requests_total{blocked} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsBlockedTotal.WithLabelValues("secrets", "pattern_v1")); got != 1 {
		t.Errorf("requests_blocked_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BudgetExceededTotal.WithLabelValues("chat", "pre")); got != 1 {
		t.Errorf("budget_exceeded_total = %v, want 1", got)
	}
}

func TestSetAvailability(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetAvailability(guardrail.GuardrailPII, "pattern_v1", true)
	m.SetAvailability(guardrail.GuardrailAllInOneJudge, "judge_v1", false)

	if got := testutil.ToFloat64(m.ModelAvailable.WithLabelValues("pii", "pattern_v1")); got != 1 {
		t.Errorf("model_available{pii} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelAvailable.WithLabelValues("all_in_one_judge", "judge_v1")); got != 0 {
		t.Errorf("model_available{judge} = %v, want 0", got)
	}
}

func TestAllInstrumentsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	// Touch each instrument so it shows up in the gather.
	m.RequestsTotal.WithLabelValues("pre", "chat", OutcomeAllowed).Inc()
	m.RequestsBlockedTotal.WithLabelValues("pii", "pattern_v1").Inc()
	m.CheckDuration.WithLabelValues("pii", "pattern_v1").Observe(0.001)
	m.LatencyByUseCase.WithLabelValues("chat", "pre").Observe(0.001)
	m.BudgetExceededTotal.WithLabelValues("chat", "pre").Inc()
	m.ConfidenceScore.WithLabelValues("pii", "pattern_v1").Observe(0.5)
	m.ModelAvailable.WithLabelValues("pii", "pattern_v1").Set(1)
	m.RateLimitDenials.WithLabelValues("per_minute").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	want := map[string]dto.MetricType{
		"guardrail_requests_total":                dto.MetricType_COUNTER,
		"guardrail_requests_blocked_total":        dto.MetricType_COUNTER,
		"guardrail_check_duration_seconds":        dto.MetricType_HISTOGRAM,
		"guardrail_latency_by_use_case_seconds":   dto.MetricType_HISTOGRAM,
		"guardrail_latency_budget_exceeded_total": dto.MetricType_COUNTER,
		"guardrail_confidence_score":              dto.MetricType_HISTOGRAM,
		"guardrail_model_available":               dto.MetricType_GAUGE,
		"rate_limit_denials_total":                dto.MetricType_COUNTER,
	}
	got := make(map[string]dto.MetricType, len(families))
	for _, f := range families {
		got[f.GetName()] = f.GetType()
	}
	for name, typ := range want {
		gotType, ok := got[name]
		if !ok {
			t.Errorf("instrument %s not registered", name)
			continue
		}
		if gotType != typ {
			t.Errorf("instrument %s type = %v, want %v", name, gotType, typ)
		}
	}
}
