// Package cel provides the CEL-based expression evaluator behind the
// policy_compliance checker: policy authors write a boolean CEL expression
// against the request's content and context, and the checker blocks (or
// warns) whenever it evaluates to true.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Limits bounds what a policy expression may cost. The zero value is
// replaced by DefaultLimits, so callers only set what they tune.
type Limits struct {
	// MaxExpressionLength caps the CEL source size, so a misconfigured
	// policy file can't smuggle in a pathological expression.
	MaxExpressionLength int

	// MaxNestingDepth caps parenthesis/bracket/brace nesting.
	MaxNestingDepth int

	// CostBudget is the CEL runtime cost limit, guarding against
	// cost-exhaustion from expressions over large comprehensions.
	CostBudget uint64

	// FallbackEvalTimeout bounds one evaluation when the caller's context
	// carries no deadline of its own. In the pipeline the checker's
	// soft-deadline context governs instead, so this only protects callers
	// outside the budgeted path (CLI validation, dry runs).
	FallbackEvalTimeout time.Duration

	// InterruptCheckFreq is how often (in comprehension iterations)
	// context cancellation is checked during evaluation.
	InterruptCheckFreq uint
}

// DefaultLimits returns the limits applied when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxExpressionLength: 2048,
		MaxNestingDepth:     32,
		CostBudget:          250_000,
		FallbackEvalTimeout: 2 * time.Second,
		InterruptCheckFreq:  64,
	}
}

// withDefaults fills zero fields from DefaultLimits.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxExpressionLength <= 0 {
		l.MaxExpressionLength = d.MaxExpressionLength
	}
	if l.MaxNestingDepth <= 0 {
		l.MaxNestingDepth = d.MaxNestingDepth
	}
	if l.CostBudget == 0 {
		l.CostBudget = d.CostBudget
	}
	if l.FallbackEvalTimeout <= 0 {
		l.FallbackEvalTimeout = d.FallbackEvalTimeout
	}
	if l.InterruptCheckFreq == 0 {
		l.InterruptCheckFreq = d.InterruptCheckFreq
	}
	return l
}

// Evaluator compiles and evaluates CEL expressions for policy_compliance
// rules. It is safe for concurrent use once constructed.
type Evaluator struct {
	env    *cel.Env
	limits Limits
}

// NewEvaluator builds an Evaluator over the policy environment with
// DefaultLimits.
func NewEvaluator() (*Evaluator, error) {
	return NewEvaluatorWithLimits(Limits{})
}

// NewEvaluatorWithLimits builds an Evaluator with explicit limits; zero
// fields fall back to DefaultLimits.
func NewEvaluatorWithLimits(limits Limits) (*Evaluator, error) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}
	return &Evaluator{env: env, limits: limits.withDefaults()}, nil
}

// Compile validates the expression against the configured limits, then
// parses, type-checks, and plans it. Every program produced here carries
// the cost budget and interrupt frequency, so there is no way to obtain an
// unguarded program from this package.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if err := e.checkSource(expression); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(e.limits.CostBudget),
		cel.InterruptCheckFrequency(e.limits.InterruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// checkSource applies the pre-parse source limits: emptiness, length, and
// nesting depth.
func (e *Evaluator) checkSource(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > e.limits.MaxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), e.limits.MaxExpressionLength)
	}

	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > e.limits.MaxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, e.limits.MaxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a CEL expression is within the source
// limits and compiles cleanly, without running it. Used by the
// validate-policy CLI command and the policy dry-run endpoint.
func (e *Evaluator) ValidateExpression(expr string) error {
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Evaluate runs a compiled program against evalCtx under the caller's
// context. In the pipeline that context already carries the checker's
// deadline, so the expression is accounted against the same budget as the
// rest of the check; a context with no deadline gets the fallback timeout.
func (e *Evaluator) Evaluate(ctx context.Context, prg cel.Program, evalCtx EvaluationContext) (bool, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.FallbackEvalTimeout)
		defer cancel()
	}

	result, _, err := prg.ContextEval(ctx, BuildActivation(evalCtx))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}
