// Package pipeline implements the checker dispatch order, budget
// enforcement, and the sequential short-circuit and parallel fan-out
// execution modes. The fan-out is plain goroutines feeding a buffered
// channel, joined by a WaitGroup, with context cancellation carrying the
// deadline.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/domain/registry"
)

// budgetSkipFactor is the fraction of a checker's expected latency that must
// remain in the budget for it to be dispatched at all.
const budgetSkipFactor = 0.5

// Orchestrator runs the configured checkers for one side of one request,
// in priority order, honoring the latency budget and the configured action
// for each checker.
type Orchestrator struct {
	registry *registry.Registry
	budget   *budget.Manager
	logger   *slog.Logger
}

// New builds an Orchestrator over reg and bm. logger may be nil, in which
// case slog.Default() is used.
func New(reg *registry.Registry, bm *budget.Manager, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{registry: reg, budget: bm, logger: logger}
}

// Run executes the pipeline for one side of a request against cfg's checker
// specs, using profile's budget and fan-out mode. It returns the composed
// outcome; it does not itself return an error for checker failures. Those
// show up as CheckerResult.Error entries: checker errors are data, not
// control flow.
func (o *Orchestrator) Run(ctx context.Context, side guardrail.Side, content string, reqCtx guardrail.RequestContext, cfg *guardrail.Config, profile guardrail.UseCaseProfile) (guardrail.PipelineOutcome, error) {
	specs := activeSpecs(cfg.Checkers, side)
	deadline := time.Now().Add(time.Duration(profile.GuardrailBudgetMS) * time.Millisecond)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var outcome guardrail.PipelineOutcome
	var err error
	if side == guardrail.SidePost && profile.PostFilterMode == guardrail.PostFilterAsync {
		outcome, err = o.runAsync(runCtx, specs, content, reqCtx, profile, deadline)
	} else {
		outcome, err = o.runSequential(runCtx, specs, content, reqCtx, profile, deadline)
	}
	if err != nil {
		return outcome, err
	}

	// The side budget expiring is fail-open (skips and deadline results);
	// the request's own deadline expiring is a hard failure the caller maps
	// to 504.
	if cerr := ctx.Err(); cerr != nil {
		return outcome, fmt.Errorf("pipeline %s: request deadline exceeded: %w", side, cerr)
	}
	return outcome, nil
}

// activeSpecs filters and sorts the configured checkers by dispatch priority
// for the given side.
func activeSpecs(all []guardrail.CheckerSpec, side guardrail.Side) []guardrail.CheckerSpec {
	out := make([]guardrail.CheckerSpec, 0, len(all))
	for _, s := range all {
		if s.RunsOn(side) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Type.Priority() < out[j].Type.Priority()
	})
	return out
}

// runSequential executes checkers one at a time in priority order, stopping
// as soon as one produces a block. Each checker still sees the effective
// content as redacted by prior checkers.
func (o *Orchestrator) runSequential(ctx context.Context, specs []guardrail.CheckerSpec, content string, reqCtx guardrail.RequestContext, profile guardrail.UseCaseProfile, deadline time.Time) (guardrail.PipelineOutcome, error) {
	outcome := guardrail.PipelineOutcome{Allowed: true, EffectiveContent: content}

	for _, spec := range specs {
		remaining := time.Until(deadline)
		expected := o.expectedLatency(spec, reqCtx)
		if remaining <= 0 || (expected > 0 && float64(remaining.Milliseconds()) < float64(expected)*budgetSkipFactor) {
			outcome.Results = append(outcome.Results, skippedResult(spec))
			outcome.BudgetExceeded = true
			continue
		}

		result := o.invoke(ctx, spec, outcome.EffectiveContent, reqCtx)
		outcome.Results = append(outcome.Results, result)

		if result.Redacted != nil {
			outcome.EffectiveContent = *result.Redacted
		}
		if !result.Passed && shouldBlock(spec, result) {
			typ := spec.Type
			outcome.Allowed = false
			outcome.BlockedBy = &typ
			return outcome, nil
		}
	}
	return outcome, nil
}

// runAsync runs the redacting checkers sequentially first (they mutate
// effective content), then fans the remaining checkers out concurrently,
// joined through a buffered channel. Results are reassembled in priority
// order regardless of completion order, and the blocker reported is the
// highest-priority one.
func (o *Orchestrator) runAsync(ctx context.Context, specs []guardrail.CheckerSpec, content string, reqCtx guardrail.RequestContext, profile guardrail.UseCaseProfile, deadline time.Time) (guardrail.PipelineOutcome, error) {
	outcome := guardrail.PipelineOutcome{Allowed: true, EffectiveContent: content}
	if len(specs) == 0 {
		return outcome, nil
	}

	var redacting, scoring []guardrail.CheckerSpec
	for _, s := range specs {
		if s.Action == guardrail.ActionRedact || s.Action == guardrail.ActionModify {
			redacting = append(redacting, s)
		} else {
			scoring = append(scoring, s)
		}
	}

	for _, spec := range redacting {
		remaining := time.Until(deadline)
		expected := o.expectedLatency(spec, reqCtx)
		if remaining <= 0 || (expected > 0 && float64(remaining.Milliseconds()) < float64(expected)*budgetSkipFactor) {
			outcome.Results = append(outcome.Results, skippedResult(spec))
			outcome.BudgetExceeded = true
			continue
		}
		result := o.invoke(ctx, spec, outcome.EffectiveContent, reqCtx)
		outcome.Results = append(outcome.Results, result)
		if result.Redacted != nil {
			outcome.EffectiveContent = *result.Redacted
		}
		if !result.Passed && shouldBlock(spec, result) {
			typ := spec.Type
			outcome.Allowed = false
			outcome.BlockedBy = &typ
			return outcome, nil
		}
	}

	type indexed struct {
		idx    int
		spec   guardrail.CheckerSpec
		result guardrail.CheckerResult
	}

	fanContent := outcome.EffectiveContent
	resultsCh := make(chan indexed, len(scoring))
	var wg sync.WaitGroup

	for i, spec := range scoring {
		remaining := time.Until(deadline)
		expected := o.expectedLatency(spec, reqCtx)
		if remaining <= 0 || (expected > 0 && float64(remaining.Milliseconds()) < float64(expected)*budgetSkipFactor) {
			resultsCh <- indexed{idx: i, spec: spec, result: skippedResult(spec)}
			continue
		}
		wg.Add(1)
		go func(i int, spec guardrail.CheckerSpec) {
			defer wg.Done()
			r := o.invoke(ctx, spec, fanContent, reqCtx)
			resultsCh <- indexed{idx: i, spec: spec, result: r}
		}(i, spec)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	joined := make([]indexed, len(scoring))
	for r := range resultsCh {
		joined[r.idx] = r
	}

	for _, r := range joined {
		outcome.Results = append(outcome.Results, r.result)
		if r.result.Error != nil && r.result.Error.Kind == guardrail.ErrorKindBudgetSkipped {
			outcome.BudgetExceeded = true
		}
		if !r.result.Passed && shouldBlock(r.spec, r.result) {
			typ := r.spec.Type
			if outcome.BlockedBy == nil || typ.Priority() < outcome.BlockedBy.Priority() {
				outcome.BlockedBy = &typ
			}
			outcome.Allowed = false
		}
	}

	sort.SliceStable(outcome.Results, func(i, j int) bool {
		return outcome.Results[i].Type.Priority() < outcome.Results[j].Type.Priority()
	})
	return outcome, nil
}

// shouldBlock reports whether a failing result should stop the pipeline.
// allow_with_warning and redact/modify never block even on failure; only
// block does.
func shouldBlock(spec guardrail.CheckerSpec, result guardrail.CheckerResult) bool {
	return result.Action == guardrail.ActionBlock
}

// resolveVariant picks the checker variant to run for spec.Type under the
// request's use case: prefer the use-case profile's preferred variant when
// the budget manager has one
// configured and the registry actually has that variant; otherwise fall
// back to the spec's own variant_id. fellBack reports whether a configured
// preference could not be honored, so the caller can record severity=warning.
func (o *Orchestrator) resolveVariant(spec guardrail.CheckerSpec, reqCtx guardrail.RequestContext) (variantID string, fellBack bool) {
	preferred := o.budget.GetPreferredVariant(reqCtx.UseCase, spec.Type)
	if preferred == "" {
		return spec.VariantID, false
	}
	if o.registry.Has(spec.Type, preferred) {
		return preferred, false
	}
	return spec.VariantID, true
}

// invoke looks up and runs one checker, translating lookup/runtime/deadline
// failures into a CheckerResult.Error rather than a propagated Go error,
// fail-open so a single broken checker cannot take down the pipeline.
func (o *Orchestrator) invoke(ctx context.Context, spec guardrail.CheckerSpec, content string, reqCtx guardrail.RequestContext) guardrail.CheckerResult {
	start := time.Now()
	variantID, fellBack := o.resolveVariant(spec, reqCtx)
	c, err := o.registry.Get(spec.Type, variantID)
	if err != nil {
		o.logger.Warn("checker unavailable", "type", spec.Type, "variant", variantID, "error", err)
		return guardrail.CheckerResult{
			Type:      spec.Type,
			VariantID: variantID,
			Passed:    true,
			Action:    guardrail.ActionAllow,
			Severity:  guardrail.SeverityWarning,
			LatencyMS: time.Since(start).Milliseconds(),
			Error:     &guardrail.CheckerError{Kind: guardrail.ErrorKindUnavailable, Detail: err.Error()},
		}
	}

	spec.Extra = withRequestContext(spec.Extra, reqCtx)

	// Soft deadline tier: one call is bounded by 3x the variant's declared
	// latency, so a stuck checker cannot eat the budget later checkers were
	// going to run under. WithTimeout takes the minimum against the side
	// deadline already on ctx.
	callCtx := ctx
	if expected := c.Capabilities().ExpectedLatencyMS; expected > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(expected*3)*time.Millisecond)
		defer cancel()
	}

	result, err := safeCheck(callCtx, c, content, spec)
	result.Type = spec.Type
	result.VariantID = variantID
	result.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		kind := guardrail.ErrorKindInternal
		if callCtx.Err() != nil {
			kind = guardrail.ErrorKindDeadline
		}
		o.logger.Warn("checker error", "type", spec.Type, "variant", variantID, "error", err)
		result.Severity = guardrail.SeverityError
		result.Error = &guardrail.CheckerError{Kind: kind, Detail: err.Error()}
		result.Redacted = nil
		if failClosed(spec.Extra) {
			result.Passed = false
			result.Action = guardrail.ActionBlock
		} else {
			result.Passed = true
			result.Action = guardrail.ActionAllow
		}
		return result
	}

	if !result.Passed && result.Action == "" {
		result.Action = spec.Action
	}
	result = applyAction(spec, reqCtx, result)
	if result.Severity == "" {
		result.Severity = severityFor(result)
	}
	if fellBack && result.Severity != guardrail.SeverityError {
		result.Severity = guardrail.SeverityWarning
	}
	return result
}

// applyAction normalizes a raw detection into the action-applied result the
// pipeline consumes: a failing redact/modify with replacement content becomes
// a pass (the rewrite sanitized it), a blocking result drops any replacement
// content, and a pre-filter redaction under cross_boundary_block is upgraded
// to a block.
func applyAction(spec guardrail.CheckerSpec, reqCtx guardrail.RequestContext, result guardrail.CheckerResult) guardrail.CheckerResult {
	if result.Passed {
		// A passing score keeps the content as-is even when the checker
		// offered a rewrite.
		result.Redacted = nil
		return result
	}
	switch result.Action {
	case guardrail.ActionRedact, guardrail.ActionModify:
		if spec.CrossBoundaryBlock && reqCtx.Side == guardrail.SidePre {
			result.Action = guardrail.ActionBlock
			result.Redacted = nil
			return result
		}
		if result.Redacted != nil {
			result.Passed = true
		}
	case guardrail.ActionBlock:
		result.Redacted = nil
	}
	return result
}

// withRequestContext copies extra and adds the request context under the
// contract's well-known key, so checkers whose rules reference request
// attributes (policy_compliance) see them without holding a service
// reference. The copy keeps the shared spec's map untouched.
func withRequestContext(extra map[string]interface{}, reqCtx guardrail.RequestContext) map[string]interface{} {
	merged := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		merged[k] = v
	}
	merged[checker.ExtraRequestContext] = reqCtx
	return merged
}

// safeCheck runs one checker call with panic containment: a panicking
// checker is indistinguishable from one returning an internal error, so a
// single bad plugin cannot crash the request goroutine.
func safeCheck(ctx context.Context, c checker.Checker, content string, spec guardrail.CheckerSpec) (result guardrail.CheckerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("checker panic: %v", r)
		}
	}()
	return c.Check(ctx, content, spec.Threshold, spec.Extra)
}

// failClosed reports whether a spec opted into fail-closed semantics: a
// checker error or deadline then blocks instead of passing. Default is
// fail-open so one broken checker cannot take the whole pipeline down.
func failClosed(extra map[string]interface{}) bool {
	v, ok := extra["fail_closed"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func severityFor(r guardrail.CheckerResult) guardrail.Severity {
	if r.Passed {
		return guardrail.SeverityInfo
	}
	if r.Action == guardrail.ActionBlock {
		return guardrail.SeverityError
	}
	return guardrail.SeverityWarning
}

func (o *Orchestrator) expectedLatency(spec guardrail.CheckerSpec, reqCtx guardrail.RequestContext) int64 {
	variantID, _ := o.resolveVariant(spec, reqCtx)
	c, err := o.registry.Get(spec.Type, variantID)
	if err != nil {
		return 0
	}
	return c.Capabilities().ExpectedLatencyMS
}

func skippedResult(spec guardrail.CheckerSpec) guardrail.CheckerResult {
	return guardrail.CheckerResult{
		Type:      spec.Type,
		VariantID: spec.VariantID,
		Passed:    true,
		Action:    guardrail.ActionAllow,
		Severity:  guardrail.SeverityWarning,
		Error:     &guardrail.CheckerError{Kind: guardrail.ErrorKindBudgetSkipped},
	}
}
