// Package checker defines the plugin contract every guardrail
// implementation satisfies, whether it is a regex table, a CEL program, or a
// remote judge model.
package checker

import (
	"context"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// Capabilities describes what a checker variant can do, independent of any
// particular request. The registry and the HTTP /status endpoint surface
// this verbatim.
type Capabilities struct {
	Type               guardrail.GuardrailType `json:"type"`
	VariantID          string                  `json:"variant_id"`
	CanRedact          bool                    `json:"can_redact"`
	SupportsBatch      bool                    `json:"supports_batch"`
	ExpectedLatencyMS  int64                   `json:"expected_latency_ms"`
}

// Checker is the guardrail plugin contract. Implementations must be
// safe for concurrent use: the orchestrator may call Check on the same
// instance from multiple goroutines for different requests, and within a
// single async post-filter pass for the same request.
type Checker interface {
	// Check evaluates content against the checker's threshold. extra carries
	// checker-specific tuning pulled from guardrail.CheckerSpec.Extra.
	// Check must respect ctx cancellation: once ctx is done it should return
	// promptly with ctx.Err(), letting the caller decide fail-open/fail-closed.
	Check(ctx context.Context, content string, threshold float64, extra map[string]interface{}) (guardrail.CheckerResult, error)

	// Capabilities returns this variant's static capability descriptor.
	Capabilities() Capabilities
}
