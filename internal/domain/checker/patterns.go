package checker

import (
	"regexp"
)

// compiledPattern holds a pre-compiled regex with metadata. All built-in
// pattern checkers share this shape; patterns are compiled once at
// construction so the per-check cost is a linear scan.
type compiledPattern struct {
	name     string
	category string
	weight   float64
	re       *regexp.Regexp
}

// finding is a single pattern match inside the scanned content.
type finding struct {
	pattern compiledPattern
	start   int
	end     int
	matched string
}

// maxMatchedLen truncates matched text carried in messages, so a giant
// matched span never bloats a result or an audit record.
const maxMatchedLen = 100

// scan runs every pattern against content and returns the findings in
// match-position order per pattern.
func scan(patterns []compiledPattern, content string) []finding {
	if content == "" {
		return nil
	}
	var findings []finding
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			matched := content[loc[0]:loc[1]]
			if len(matched) > maxMatchedLen {
				matched = matched[:maxMatchedLen]
			}
			findings = append(findings, finding{pattern: p, start: loc[0], end: loc[1], matched: matched})
		}
	}
	return findings
}

// confidenceFrom folds per-pattern weights into a violation score in [0, 1].
// The strongest single match dominates; additional matches push the score
// toward 1 without ever exceeding it.
func confidenceFrom(findings []finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var max, rest float64
	for _, f := range findings {
		if f.pattern.weight > max {
			rest += max
			max = f.pattern.weight
		} else {
			rest += f.pattern.weight
		}
	}
	score := max + (1-max)*clamp01(rest/4)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
