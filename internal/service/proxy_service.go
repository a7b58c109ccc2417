package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aimguard/gateway/internal/adapter/outbound/upstream"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/telemetry"
)

// Upstream is the inference-service port the proxy forwards to.
type Upstream interface {
	Predict(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// BlockedError carries a pipeline block out of the proxy flow. Side tells
// the HTTP layer whether this maps to 400 (pre) or 200-with-allowed-false
// (post).
type BlockedError struct {
	Side    guardrail.Side
	Outcome guardrail.PipelineOutcome
}

func (e *BlockedError) Error() string {
	if e.Outcome.BlockedBy != nil {
		return fmt.Sprintf("blocked by %s on %s-filter", *e.Outcome.BlockedBy, e.Side)
	}
	return "blocked on " + e.Side.String() + "-filter"
}

// PredictResult is a successful end-to-end proxy run: the (possibly
// redacted) upstream answer plus both pipeline outcomes for the response's
// guardrails metadata block.
type PredictResult struct {
	Content string
	Model   string
	Pre     guardrail.PipelineOutcome
	Post    guardrail.PipelineOutcome
}

// ProxyService glues rate limiting, the pre-filter pipeline, the upstream
// call, and the post-filter pipeline into one flow with the documented
// failure semantics: a denial never reaches upstream, a pre-block never
// reaches upstream, and every stage runs under the use case's total budget.
type ProxyService struct {
	guard    *GuardrailService
	upstream Upstream
	logger   *slog.Logger
}

// NewProxyService wires the proxy flow.
func NewProxyService(guard *GuardrailService, up Upstream, logger *slog.Logger) *ProxyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyService{guard: guard, upstream: up, logger: logger}
}

// Predict runs the full flow for one request. Error values are typed:
// *RateLimitedError, *BlockedError, *upstream.Error; anything else is
// internal.
func (p *ProxyService) Predict(ctx context.Context, requestID, model string, reqCtx guardrail.RequestContext) (*PredictResult, error) {
	profile := p.guard.ProfileFor(reqCtx.UseCase)
	totalDeadline := time.Now().Add(time.Duration(profile.TotalBudgetMS) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, totalDeadline)
	defer cancel()

	if err := p.guard.CheckTraffic(ctx, reqCtx); err != nil {
		return nil, err
	}

	reqCtx.Side = guardrail.SidePre
	pre, err := p.guard.RunPipeline(ctx, requestID, reqCtx)
	if err != nil {
		return nil, err
	}
	if !pre.Allowed {
		return nil, &BlockedError{Side: guardrail.SidePre, Outcome: pre}
	}

	upCtx, span := telemetry.StartUpstreamSpan(ctx, model)
	resp, err := p.upstream.Predict(upCtx, upstream.Request{Model: model, Prompt: pre.EffectiveContent})
	span.End()
	if err != nil {
		return nil, err
	}

	postCtx := reqCtx
	postCtx.Side = guardrail.SidePost
	postCtx.Content = resp.Content
	postCtx.OriginalPrompt = reqCtx.Content
	post, err := p.guard.RunPipeline(ctx, requestID, postCtx)
	if err != nil {
		return nil, err
	}
	if !post.Allowed {
		return nil, &BlockedError{Side: guardrail.SidePost, Outcome: post}
	}

	return &PredictResult{
		Content: post.EffectiveContent,
		Model:   resp.Model,
		Pre:     pre,
		Post:    post,
	}, nil
}
