package checker

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// InjectionChecker detects prompt-injection attempts with a compiled pattern
// table: system-prompt overrides, role hijacks, instruction injection,
// system-tag smuggling, delimiter escapes, and DAN-style jailbreaks.
type InjectionChecker struct {
	patterns []compiledPattern
}

// NewInjectionChecker compiles the injection pattern table once.
func NewInjectionChecker() *InjectionChecker {
	raw := []struct {
		name     string
		category string
		weight   float64
		pattern  string
	}{
		{
			name:     "system_prompt_override",
			category: "prompt_injection",
			weight:   0.95,
			pattern:  `(?i)(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|context)`,
		},
		{
			name:     "role_hijack",
			category: "prompt_injection",
			weight:   0.85,
			pattern:  `(?i)you\s+are\s+(?:now|actually|really)\s+(?:a|an|my)\s+`,
		},
		{
			name:     "instruction_injection",
			category: "prompt_injection",
			weight:   0.8,
			pattern:  `(?i)(?:new\s+instructions?|updated?\s+(?:instructions?|rules?|prompt)):\s*`,
		},
		{
			name:     "system_tag_injection",
			category: "prompt_injection",
			weight:   0.85,
			pattern:  `(?i)<\s*(?:system|assistant|user|human|ai)\s*>`,
		},
		{
			name:     "delimiter_escape",
			category: "delimiter_escape",
			weight:   0.75,
			pattern:  "(?i)(?:```|---|\\.{3})\\s*(?:system|instructions?|rules?)\\s*(?:```|---|\\.{3})",
		},
		{
			name:     "do_anything_now",
			category: "prompt_injection",
			weight:   0.9,
			pattern:  `(?i)(?:\bDAN\b|do\s+anything\s+now|jailbreak|ignore\s+safety)`,
		},
		{
			name:     "system_prompt_exfiltration",
			category: "prompt_injection",
			weight:   0.85,
			pattern:  `(?i)(?:reveal|show|print|repeat)\s+(?:your|the)\s+(?:system\s+prompt|initial\s+instructions|hidden\s+rules)`,
		},
	}

	compiled := make([]compiledPattern, 0, len(raw))
	for _, rp := range raw {
		compiled = append(compiled, compiledPattern{
			name:     rp.name,
			category: rp.category,
			weight:   rp.weight,
			re:       regexp.MustCompile(rp.pattern),
		})
	}
	return &InjectionChecker{patterns: compiled}
}

// Check scans content for injection patterns and scores the result.
func (c *InjectionChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error) {
	if err := ctx.Err(); err != nil {
		return guardrail.CheckerResult{}, err
	}
	findings := scan(c.patterns, content)
	confidence := confidenceFrom(findings)
	result := guardrail.CheckerResult{
		Passed:     confidence < threshold,
		Confidence: confidence,
	}
	if len(findings) > 0 {
		result.Message = fmt.Sprintf("prompt injection patterns detected: %s", findings[0].pattern.name)
	}
	return result, nil
}

// Capabilities describes the pattern_v1 injection variant.
func (c *InjectionChecker) Capabilities() Capabilities {
	return Capabilities{
		Type:              guardrail.GuardrailPromptInjection,
		VariantID:         VariantPattern,
		CanRedact:         false,
		SupportsBatch:     true,
		ExpectedLatencyMS: 5,
	}
}
