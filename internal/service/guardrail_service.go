package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aimguard/gateway/internal/adapter/outbound/audit"
	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/domain/pipeline"
	"github.com/aimguard/gateway/internal/domain/ratelimit"
	"github.com/aimguard/gateway/internal/domain/registry"
	"github.com/aimguard/gateway/internal/metrics"
	"github.com/aimguard/gateway/internal/telemetry"
)

// RateLimitedError carries a traffic-guardrail denial to the HTTP surface.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return "rate limited: " + e.Decision.Reason
}

// GuardrailService is the pipeline front door: it resolves the policy
// snapshot and use-case profile for a request, runs the traffic gate and
// the checker pipeline, and records metrics, traces, and audit records.
type GuardrailService struct {
	config   *ConfigService
	gate     *ratelimit.Gate
	orch     *pipeline.Orchestrator
	budget   *budget.Manager
	registry *registry.Registry
	metrics  *metrics.Metrics
	audit    *audit.Writer
	logger   *slog.Logger
}

// NewGuardrailService wires the front door. metrics and auditW may be nil
// (disabled); everything else is required.
func NewGuardrailService(cfg *ConfigService, gate *ratelimit.Gate, orch *pipeline.Orchestrator, bm *budget.Manager, reg *registry.Registry, m *metrics.Metrics, auditW *audit.Writer, logger *slog.Logger) *GuardrailService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardrailService{
		config:   cfg,
		gate:     gate,
		orch:     orch,
		budget:   bm,
		registry: reg,
		metrics:  m,
		audit:    auditW,
		logger:   logger,
	}
}

// defaultProfile is applied when a request names a use case with no
// configured profile: a conservative budget rather than an unbounded one.
var defaultProfile = guardrail.UseCaseProfile{
	TotalBudgetMS:     2000,
	GuardrailBudgetMS: 200,
	PostFilterMode:    guardrail.PostFilterSync,
}

// ProfileFor resolves the use-case profile under the current snapshot.
func (g *GuardrailService) ProfileFor(uc guardrail.UseCase) guardrail.UseCaseProfile {
	if p, ok := g.budget.Profile(uc); ok {
		return p
	}
	p := defaultProfile
	p.UseCase = uc
	return p
}

// CheckTraffic runs the traffic guardrails for one request. A denial is
// returned as *RateLimitedError so callers map it to 429 uniformly.
func (g *GuardrailService) CheckTraffic(ctx context.Context, reqCtx guardrail.RequestContext) error {
	rules := g.config.Snapshot().RateRules
	now := reqCtx.Now
	if now.IsZero() {
		now = time.Now()
	}
	decision, err := g.gate.Evaluate(ctx, reqCtx, rules, now)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if g.metrics != nil {
			g.metrics.RateLimitDenials.WithLabelValues(decision.Reason).Inc()
		}
		return &RateLimitedError{Decision: decision}
	}
	return nil
}

// RunPipeline executes one side of the pipeline for a request under the
// current policy snapshot, recording telemetry and audit output.
func (g *GuardrailService) RunPipeline(ctx context.Context, requestID string, reqCtx guardrail.RequestContext) (guardrail.PipelineOutcome, error) {
	cfg := g.config.Snapshot()
	profile := g.ProfileFor(reqCtx.UseCase)

	spanCtx, span := telemetry.StartPipelineSpan(ctx, reqCtx.Side.String(), reqCtx.UseCase.String())
	start := time.Now()
	outcome, err := g.orch.Run(spanCtx, reqCtx.Side, reqCtx.Content, reqCtx, cfg, profile)
	elapsed := time.Since(start)
	span.End()
	if err != nil {
		return outcome, err
	}

	if note, fits := g.validateBudget(reqCtx.UseCase, profile, elapsed); !fits {
		g.logger.Debug("guardrail budget overrun", "use_case", reqCtx.UseCase, "note", note)
	}
	if g.metrics != nil {
		g.metrics.ObserveOutcome(reqCtx.Side, reqCtx.UseCase, outcome, elapsed.Seconds())
	}
	if g.audit != nil {
		g.audit.RecordOutcome(requestID, reqCtx, outcome, elapsed)
	}
	return outcome, nil
}

// validateBudget is the telemetry-only budget check: the orchestrator has
// already enforced the deadline, this just annotates overruns.
func (g *GuardrailService) validateBudget(uc guardrail.UseCase, profile guardrail.UseCaseProfile, elapsed time.Duration) (string, bool) {
	budgetMS := int64(profile.GuardrailBudgetMS)
	if elapsed.Milliseconds() <= budgetMS {
		return "", true
	}
	return "measured " + elapsed.String() + " exceeds budget", false
}

// DryRun executes the pipeline against a candidate policy without
// publishing it, without metrics, and without audit records. It backs the
// POST /policy/test endpoint.
func (g *GuardrailService) DryRun(ctx context.Context, reqCtx guardrail.RequestContext, cfg *guardrail.Config) (guardrail.PipelineOutcome, error) {
	if err := g.config.Validate(cfg); err != nil {
		return guardrail.PipelineOutcome{}, err
	}
	profile := defaultProfile
	profile.UseCase = reqCtx.UseCase
	for _, p := range cfg.UseCases {
		if p.UseCase == reqCtx.UseCase {
			profile = p
			break
		}
	}
	return g.orch.Run(ctx, reqCtx.Side, reqCtx.Content, reqCtx, cfg, profile)
}

// Stats reports the identity's rate-limit occupancy under current rules.
func (g *GuardrailService) Stats(ctx context.Context, identity guardrail.Identity) (ratelimit.Stats, error) {
	return g.gate.Stats(ctx, identity, g.config.Snapshot().RateRules)
}

// Availability reports the catalog's constructed state and publishes the
// availability gauge as a side effect.
func (g *GuardrailService) Availability() []registry.AvailabilityEntry {
	entries := g.registry.Availability()
	if g.metrics != nil {
		for _, e := range entries {
			g.metrics.SetAvailability(e.Type, e.VariantID, e.Available)
		}
	}
	return entries
}

// Healthy reports whether every checker referenced by an enabled spec in
// the current policy has completed construction. /health gates on this.
func (g *GuardrailService) Healthy() bool {
	cfg := g.config.Snapshot()
	available := make(map[string]bool)
	for _, e := range g.registry.Availability() {
		available[string(e.Type)+"/"+e.VariantID] = e.Available
	}
	for _, c := range cfg.Checkers {
		if !c.Enabled {
			continue
		}
		if !available[string(c.Type)+"/"+c.VariantID] {
			return false
		}
	}
	return true
}
