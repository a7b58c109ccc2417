package cel

import (
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// EvaluationContext is the set of variables a policy_compliance CEL rule can
// reference. It is built fresh for every checker invocation from the
// orchestrator's guardrail.RequestContext plus the content currently under
// inspection (which may already be the redacted output of an earlier
// checker in the pipeline).
type EvaluationContext struct {
	Content        string
	OriginalPrompt string
	Side           string
	UseCase        string
	Identity       string
	Geo            string
	ContextTokens  int
	UploadBytes    int64
	Now            time.Time
}

// NewPolicyEnvironment creates the CEL environment policy_compliance rules
// compile and run against: the content-safety variables of EvaluationContext
// plus a small set of generic pattern-matching functions.
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("content", cel.StringType),
		cel.Variable("original_prompt", cel.StringType),
		cel.Variable("side", cel.StringType),
		cel.Variable("use_case", cel.StringType),
		cel.Variable("identity", cel.StringType),
		cel.Variable("geo", cel.StringType),
		cel.Variable("context_tokens", cel.IntType),
		cel.Variable("upload_bytes", cel.IntType),
		cel.Variable("now", cel.TimestampType),

		// glob: shell-style pattern matching, useful for identity or geo
		// allow/deny rules (e.g. glob(identity, "svc-*")).
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(value, pattern ref.Val) ref.Val {
					v := value.Value().(string)
					p := pattern.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// BuildActivation turns an EvaluationContext into the map CEL's Program.Eval
// expects, one entry per variable declared in NewPolicyEnvironment.
func BuildActivation(evalCtx EvaluationContext) map[string]any {
	return map[string]any{
		"content":         evalCtx.Content,
		"original_prompt": evalCtx.OriginalPrompt,
		"side":            evalCtx.Side,
		"use_case":        evalCtx.UseCase,
		"identity":        evalCtx.Identity,
		"geo":             evalCtx.Geo,
		"context_tokens":  int64(evalCtx.ContextTokens),
		"upload_bytes":    evalCtx.UploadBytes,
		"now":             evalCtx.Now,
	}
}
