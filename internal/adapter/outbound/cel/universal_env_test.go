package cel

import (
	"testing"
	"time"

	"github.com/google/cel-go/cel"
)

// compileAndEval compiles and evaluates a CEL expression against an
// activation built from the given EvaluationContext.
func compileAndEval(t *testing.T, expr string, evalCtx EvaluationContext) bool {
	t.Helper()
	env, err := NewPolicyEnvironment()
	if err != nil {
		t.Fatalf("NewPolicyEnvironment() error: %v", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		t.Fatalf("Compile(%q) error: %v", expr, issues.Err())
	}

	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		t.Fatalf("Program() error: %v", err)
	}

	activation := BuildActivation(evalCtx)
	result, _, err := prg.Eval(activation)
	if err != nil {
		t.Fatalf("Eval(%q) error: %v", expr, err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		t.Fatalf("Eval(%q) returned %T, want bool", expr, result.Value())
	}
	return b
}

// baseContext returns an EvaluationContext with typical request fields populated.
func baseContext() EvaluationContext {
	return EvaluationContext{
		Content:        "please summarize the attached report",
		OriginalPrompt: "summarize",
		Side:           "pre",
		UseCase:        "chat",
		Identity:       "svc-reporting",
		Geo:            "US",
		ContextTokens:  2048,
		UploadBytes:    4096,
		Now:            time.Now(),
	}
}

func TestEnvContent(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `content.contains("report")`, ctx) {
		t.Error("expected content.contains('report') to be true")
	}
	if compileAndEval(t, `content.contains("password")`, ctx) {
		t.Error("expected content.contains('password') to be false")
	}
}

func TestEnvSideAndUseCase(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `side == "pre" && use_case == "chat"`, ctx) {
		t.Error("expected side/use_case match")
	}
	if compileAndEval(t, `side == "post"`, ctx) {
		t.Error("expected side == 'post' to be false")
	}
}

func TestEnvIdentityAndGeo(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `identity == "svc-reporting" && geo == "US"`, ctx) {
		t.Error("expected identity/geo match")
	}
}

func TestEnvNumericFields(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `context_tokens > 1000 && upload_bytes < 10000`, ctx) {
		t.Error("expected numeric comparisons to hold")
	}
}

func TestEnvGlobFunction(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `glob(identity, "svc-*")`, ctx) {
		t.Error("expected glob(identity, 'svc-*') to be true")
	}
	if compileAndEval(t, `glob(identity, "user-*")`, ctx) {
		t.Error("expected glob(identity, 'user-*') to be false")
	}
}

func TestEnvStringExtensions(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `content.lowerAscii().contains("summarize")`, ctx) {
		t.Error("expected strings extension to be available")
	}
}

func TestEnvOriginalPrompt(t *testing.T) {
	ctx := baseContext()
	ctx.Side = "post"
	if !compileAndEval(t, `side == "post" && original_prompt == "summarize"`, ctx) {
		t.Error("expected original_prompt to be visible on post side")
	}
}

func TestEnvTimestampComparison(t *testing.T) {
	ctx := baseContext()
	if !compileAndEval(t, `now > timestamp("2020-01-01T00:00:00Z")`, ctx) {
		t.Error("expected now to compare as a timestamp")
	}
}

func TestEnvUnknownVariableRejected(t *testing.T) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		t.Fatalf("NewPolicyEnvironment() error: %v", err)
	}
	if _, issues := env.Compile(`tool_name == "read_file"`); issues == nil || issues.Err() == nil {
		t.Error("expected compile failure for an undeclared variable")
	}
}

func TestBuildActivationCoversAllVariables(t *testing.T) {
	activation := BuildActivation(baseContext())
	for _, name := range []string{
		"content", "original_prompt", "side", "use_case",
		"identity", "geo", "context_tokens", "upload_bytes", "now",
	} {
		if _, ok := activation[name]; !ok {
			t.Errorf("activation missing %q", name)
		}
	}
}
