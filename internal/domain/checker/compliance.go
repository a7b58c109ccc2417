package checker

import (
	"context"
	"fmt"
	"sync"

	celgo "github.com/google/cel-go/cel"

	celadapter "github.com/aimguard/gateway/internal/adapter/outbound/cel"
	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// ComplianceChecker evaluates an admin-supplied CEL expression against the
// content and request context. The expression comes from the checker spec's
// extra["expression"]; it evaluates to true when the content VIOLATES the
// rule, mirroring the violation-scale convention of the scoring checkers.
type ComplianceChecker struct {
	evaluator *celadapter.Evaluator

	mu       sync.Mutex
	programs map[string]celgo.Program
}

// NewComplianceChecker builds the checker over a shared CEL environment.
func NewComplianceChecker() (*ComplianceChecker, error) {
	eval, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("compliance checker: %w", err)
	}
	return &ComplianceChecker{
		evaluator: eval,
		programs:  make(map[string]celgo.Program),
	}, nil
}

// Check compiles (with caching) and evaluates the configured expression.
// A spec with no expression trivially passes, so an empty policy_compliance
// entry degrades to a no-op rather than an error on every request.
func (c *ComplianceChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error) {
	if err := ctx.Err(); err != nil {
		return guardrail.CheckerResult{}, err
	}

	expr, _ := extra["expression"].(string)
	if expr == "" {
		return guardrail.CheckerResult{Passed: true, Confidence: 0}, nil
	}

	prg, err := c.program(expr)
	if err != nil {
		return guardrail.CheckerResult{}, err
	}

	evalCtx := celadapter.EvaluationContext{Content: content}
	if rc, ok := extra[ExtraRequestContext].(guardrail.RequestContext); ok {
		evalCtx = celadapter.EvaluationContext{
			Content:        content,
			OriginalPrompt: rc.OriginalPrompt,
			Side:           rc.Side.String(),
			UseCase:        rc.UseCase.String(),
			Identity:       string(rc.Identity),
			Geo:            rc.Geo,
			ContextTokens:  rc.ContextTokens,
			UploadBytes:    rc.UploadBytes,
			Now:            rc.Now,
		}
	}

	violated, err := c.evaluator.Evaluate(ctx, prg, evalCtx)
	if err != nil {
		return guardrail.CheckerResult{}, err
	}

	confidence := 0.0
	message := ""
	if violated {
		confidence = 1.0
		message = "content violates compliance rule"
	}
	return guardrail.CheckerResult{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    message,
	}, nil
}

// program returns the compiled program for expr, compiling at most once per
// distinct expression for the checker's lifetime.
func (c *ComplianceChecker) program(expr string) (celgo.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expr]; ok {
		return prg, nil
	}
	prg, err := c.evaluator.Compile(expr)
	if err != nil {
		return nil, err
	}
	c.programs[expr] = prg
	return prg, nil
}

// Capabilities describes the cel_v1 policy_compliance variant.
func (c *ComplianceChecker) Capabilities() Capabilities {
	return Capabilities{
		Type:              guardrail.GuardrailPolicyCompliance,
		VariantID:         VariantCEL,
		CanRedact:         false,
		SupportsBatch:     false,
		ExpectedLatencyMS: 10,
	}
}
