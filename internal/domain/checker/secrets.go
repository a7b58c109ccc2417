package checker

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// entropyThreshold is the Shannon-entropy (bits per character) above which a
// token-like substring is treated as a probable credential. Random base64 or
// hex material sits well above it; English prose sits well below.
const entropyThreshold = 4.5

// entropyMinLen is the shortest substring the entropy scan considers. Short
// strings have noisy entropy estimates.
const entropyMinLen = 20

// SecretsChecker detects leaked credentials two ways: a pattern table for
// known credential shapes (AWS keys, private key headers, bearer tokens,
// key=value assignments), and a bounded Shannon-entropy scan over token-like
// substrings for everything without a recognizable shape.
type SecretsChecker struct {
	patterns []compiledPattern
	token    *regexp.Regexp
}

// NewSecretsChecker compiles the secret pattern table once.
func NewSecretsChecker() *SecretsChecker {
	raw := []struct {
		name     string
		category string
		weight   float64
		pattern  string
	}{
		{
			name:     "aws_access_key",
			category: "secrets",
			weight:   0.95,
			pattern:  `\b(?:AKIA|ASIA|AGPA|AROA)[A-Z0-9]{16}\b`,
		},
		{
			name:     "private_key_header",
			category: "secrets",
			weight:   0.95,
			pattern:  `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
		},
		{
			name:     "bearer_token",
			category: "secrets",
			weight:   0.85,
			pattern:  `(?i)\bbearer\s+[a-zA-Z0-9\-._~+/]{20,}=*`,
		},
		{
			name:     "credential_assignment",
			category: "secrets",
			weight:   0.8,
			pattern:  `(?i)\b(?:api[_\-]?key|secret|password|token|passwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
		},
		{
			name:     "github_token",
			category: "secrets",
			weight:   0.95,
			pattern:  `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		},
		{
			name:     "slack_token",
			category: "secrets",
			weight:   0.95,
			pattern:  `\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`,
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
	return &SecretsChecker{
		patterns: compiled,
		token:    regexp.MustCompile(`[A-Za-z0-9+/_\-=]{20,}`),
	}
}

// Check scans content for credential shapes and high-entropy tokens. Like
// the PII checker it offers redacted content; the orchestrator decides
// whether to apply the rewrite or block outright.
func (c *SecretsChecker) Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error) {
	if err := ctx.Err(); err != nil {
		return guardrail.CheckerResult{}, err
	}

	findings := scan(c.patterns, content)

	// Entropy pass over token-like substrings not already covered by a
	// shape match. The token regex bounds the scan cost linearly.
	entropyRe := compiledPattern{name: "high_entropy_token", category: "secrets", weight: 0.75}
	for _, loc := range c.token.FindAllStringIndex(content, -1) {
		tok := content[loc[0]:loc[1]]
		if len(tok) < entropyMinLen || shannonEntropy(tok) < entropyThreshold {
			continue
		}
		covered := false
		for _, f := range findings {
			if loc[0] >= f.start && loc[1] <= f.end {
				covered = true
				break
			}
		}
		if !covered {
			matched := tok
			if len(matched) > maxMatchedLen {
				matched = matched[:maxMatchedLen]
			}
			findings = append(findings, finding{pattern: entropyRe, start: loc[0], end: loc[1], matched: matched})
		}
	}

	if len(findings) == 0 {
		return guardrail.CheckerResult{Passed: true, Confidence: 0}, nil
	}

	confidence := confidenceFrom(findings)

	// Build redacted content right-to-left, collapsing overlaps.
	sort.Slice(findings, func(i, j int) bool { return findings[i].start > findings[j].start })
	redacted := content
	prevStart := len(content) + 1
	kinds := make(map[string]struct{})
	for _, f := range findings {
		kinds[f.pattern.name] = struct{}{}
		if f.end > prevStart {
			continue
		}
		redacted = redacted[:f.start] + "[SECRET_REDACTED]" + redacted[f.end:]
		prevStart = f.start
	}

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	return guardrail.CheckerResult{
		Passed:     confidence < threshold,
		Confidence: confidence,
		Message:    fmt.Sprintf("secret material detected: %s", strings.Join(names, ", ")),
		Redacted:   &redacted,
	}, nil
}

// Capabilities describes the pattern_v1 secrets variant.
func (c *SecretsChecker) Capabilities() Capabilities {
	return Capabilities{
		Type:              guardrail.GuardrailSecrets,
		VariantID:         VariantPattern,
		CanRedact:         true,
		SupportsBatch:     true,
		ExpectedLatencyMS: 10,
	}
}

// shannonEntropy returns the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	n := float64(len([]rune(s)))
	var h float64
	for _, count := range freq {
		p := float64(count) / n
		h -= p * math.Log2(p)
	}
	return h
}
