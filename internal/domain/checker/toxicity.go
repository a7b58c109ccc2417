package checker

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// ToxicityChecker flags abusive, threatening, or self-harm content with a
// compiled keyword/phrase table. It is the cheap variant that carries the
// service when no ML toxicity model is wired in.
type ToxicityChecker struct {
	patterns []compiledPattern
}

// NewToxicityChecker compiles the toxicity pattern table once.
func NewToxicityChecker() *ToxicityChecker {
	raw := []struct {
		name     string
		category string
		weight   float64
		pattern  string
	}{
		{
			name:     "violent_threat",
			category: "toxicity",
			weight:   0.9,
			pattern:  `(?i)\b(?:i\s+will|i'm\s+going\s+to|gonna)\s+(?:kill|hurt|murder|destroy)\s+(?:you|them|him|her)\b`,
		},
		{
			name:     "harm_instruction",
			category: "toxicity",
			weight:   0.85,
			pattern:  `(?i)\bhow\s+to\s+(?:kill|poison|harm|hurt)\s+(?:a|an|my|your|someone)\b`,
		},
		{
			name:     "slur_or_abuse",
			category: "toxicity",
			weight:   0.75,
			pattern:  `(?i)\b(?:worthless|pathetic|disgusting)\s+(?:idiot|moron|imbecile|scum)\b`,
		},
		{
			name:     "self_harm",
			category: "toxicity",
			weight:   0.8,
			pattern:  `(?i)\b(?:kill|hurt)\s+(?:myself|yourself)\b`,
		},
		{
			name:     "hate_generalization",
			category: "toxicity",
			weight:   0.7,
			pattern:  `(?i)\b(?:all|every)\s+\w+\s+(?:deserve\s+to\s+die|are\s+subhuman|should\s+be\s+eliminated)\b`,
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
	return &ToxicityChecker{patterns: compiled}
}

// Check scans content for toxic patterns and scores the result.
func (c *ToxicityChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error) {
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
		result.Message = fmt.Sprintf("toxic content detected: %s", findings[0].pattern.name)
	}
	return result, nil
}

// Capabilities describes the pattern_v1 toxicity variant.
func (c *ToxicityChecker) Capabilities() Capabilities {
	return Capabilities{
		Type:              guardrail.GuardrailToxicity,
		VariantID:         VariantPattern,
		CanRedact:         false,
		SupportsBatch:     true,
		ExpectedLatencyMS: 5,
	}
}
