package checker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// piiPattern couples a detection regex with its redaction placeholder and an
// optional post-match validator (the credit-card pattern only counts when
// the digits pass Luhn).
type piiPattern struct {
	compiledPattern
	placeholder string
	validate    func(match string) bool
}

// PIIChecker detects and redacts personally identifiable information:
// emails, phone numbers, SSNs, and credit card numbers. It is the only
// built-in checker that redacts; redaction replaces each matched span with
// a typed placeholder so clients can see what was removed.
type PIIChecker struct {
	patterns []piiPattern
}

// NewPIIChecker compiles the PII pattern table once.
func NewPIIChecker() *PIIChecker {
	return &PIIChecker{patterns: []piiPattern{
		{
			compiledPattern: compiledPattern{
				name:     "email",
				category: "pii",
				weight:   0.85,
				re:       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			},
			placeholder: "[EMAIL_REDACTED]",
		},
		{
			compiledPattern: compiledPattern{
				name:     "ssn",
				category: "pii",
				weight:   0.95,
				re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			},
			placeholder: "[SSN_REDACTED]",
		},
		{
			compiledPattern: compiledPattern{
				name:     "phone",
				category: "pii",
				weight:   0.7,
				re:       regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`),
			},
			placeholder: "[PHONE_REDACTED]",
		},
		{
			compiledPattern: compiledPattern{
				name:     "credit_card",
				category: "pii",
				weight:   0.95,
				re:       regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
			},
			placeholder: "[CARD_REDACTED]",
			validate:    luhnValid,
		},
	}}
}

// Check scans content for PII. When any span matches, the result carries the
// fully redacted content; whether that redaction is applied or upgraded to a
// block is the orchestrator's decision, driven by the checker spec.
func (c *PIIChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error) {
	if err := ctx.Err(); err != nil {
		return guardrail.CheckerResult{}, err
	}

	type span struct {
		start, end  int
		placeholder string
		weight      float64
		name        string
	}
	var spans []span
	for _, p := range c.patterns {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			match := content[loc[0]:loc[1]]
			if p.validate != nil && !p.validate(match) {
				continue
			}
			spans = append(spans, span{start: loc[0], end: loc[1], placeholder: p.placeholder, weight: p.weight, name: p.name})
		}
	}

	if len(spans) == 0 {
		return guardrail.CheckerResult{Passed: true, Confidence: 0}, nil
	}

	// Rewrite right-to-left so earlier offsets stay valid. Overlapping spans
	// (a card number inside a longer digit run) collapse into the leftmost.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })
	redacted := content
	var confidence float64
	kinds := make(map[string]struct{})
	prevStart := len(content) + 1
	for _, s := range spans {
		if s.end > prevStart {
			continue
		}
		redacted = redacted[:s.start] + s.placeholder + redacted[s.end:]
		prevStart = s.start
		if s.weight > confidence {
			confidence = s.weight
		}
		kinds[s.name] = struct{}{}
	}

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	return guardrail.CheckerResult{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("pii detected: %s", strings.Join(names, ", ")),
		Redacted:   &redacted,
	}, nil
}

// Capabilities describes the pattern_v1 PII variant.
func (c *PIIChecker) Capabilities() Capabilities {
	return Capabilities{
		Type:              guardrail.GuardrailPII,
		VariantID:         VariantPattern,
		CanRedact:         true,
		SupportsBatch:     true,
		ExpectedLatencyMS: 5,
	}
}

// luhnValid reports whether the digits in match pass the Luhn checksum,
// filtering out arbitrary long digit runs that are not card numbers.
func luhnValid(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
