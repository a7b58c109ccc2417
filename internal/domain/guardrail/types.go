// Package guardrail defines the core data model of the guardrail pipeline:
// the closed enums, the checker specification and use-case profile shapes,
// the policy snapshot, and the per-request inputs/outputs that flow through
// the orchestrator. Types here are value types; nothing in this package
// holds a mutex or a network connection.
package guardrail

import "time"

// GuardrailType identifies a category of content-safety checker. It is a
// stable identifier used both as a map key (registry, metrics labels) and
// as a wire value (policy files, HTTP payloads).
type GuardrailType string

const (
	GuardrailToxicity         GuardrailType = "toxicity"
	GuardrailPII              GuardrailType = "pii"
	GuardrailPromptInjection  GuardrailType = "prompt_injection"
	GuardrailAllInOneJudge    GuardrailType = "all_in_one_judge"
	GuardrailPolicyCompliance GuardrailType = "policy_compliance"
	GuardrailSecrets          GuardrailType = "secrets"
	GuardrailTraffic          GuardrailType = "traffic"
)

// String returns the wire representation of the guardrail type.
func (t GuardrailType) String() string { return string(t) }

// IsValid reports whether t is one of the closed set of guardrail types.
func (t GuardrailType) IsValid() bool {
	switch t {
	case GuardrailToxicity, GuardrailPII, GuardrailPromptInjection,
		GuardrailAllInOneJudge, GuardrailPolicyCompliance, GuardrailSecrets, GuardrailTraffic:
		return true
	}
	return false
}

// priorityOrder is the normative dispatch order: cheap discriminators
// before expensive judges, redacting checkers before scoring checkers so
// later scores see sanitized content.
var priorityOrder = map[GuardrailType]int{
	GuardrailPromptInjection:  0,
	GuardrailSecrets:          1,
	GuardrailPII:              2,
	GuardrailToxicity:         3,
	GuardrailAllInOneJudge:    4,
	GuardrailPolicyCompliance: 5,
}

// Priority returns the dispatch rank of t (lower runs first). Unknown types
// sort last, after every named type.
func (t GuardrailType) Priority() int {
	if p, ok := priorityOrder[t]; ok {
		return p
	}
	return len(priorityOrder)
}

// Action determines what the orchestrator does with a failing checker result.
type Action string

const (
	ActionBlock            Action = "block"
	ActionAllowWithWarning Action = "allow_with_warning"
	ActionAllow            Action = "allow"
	ActionRedact           Action = "redact"
	ActionModify           Action = "modify"
)

// String returns the wire representation of the action.
func (a Action) String() string { return string(a) }

// IsValid reports whether a is one of the closed set of actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionBlock, ActionAllowWithWarning, ActionAllow, ActionRedact, ActionModify:
		return true
	}
	return false
}

// UseCase selects the latency budget and preferred checker variants for a request.
type UseCase string

const (
	UseCaseChat    UseCase = "chat"
	UseCaseRAG     UseCase = "rag"
	UseCaseCodeGen UseCase = "code_gen"
	UseCaseBatch   UseCase = "batch"
)

// String returns the wire representation of the use case.
func (u UseCase) String() string { return string(u) }

// IsValid reports whether u is one of the closed set of use cases.
func (u UseCase) IsValid() bool {
	switch u {
	case UseCaseChat, UseCaseRAG, UseCaseCodeGen, UseCaseBatch:
		return true
	}
	return false
}

// Severity classifies a result for telemetry. It never determines blocking.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// String returns the wire representation of the severity.
func (s Severity) String() string { return string(s) }

// Side identifies which half of a request the pipeline is running: the
// inbound prompt (pre) or the model's answer (post).
type Side string

const (
	SidePre  Side = "pre"
	SidePost Side = "post"
)

// String returns the wire representation of the side.
func (s Side) String() string { return string(s) }

// PostFilterMode controls whether the post-filter pipeline runs sequentially
// or fans non-redacting checkers out concurrently after the budget check.
type PostFilterMode string

const (
	PostFilterSync  PostFilterMode = "sync"
	PostFilterAsync PostFilterMode = "async"
)

// ErrorKind enumerates the per-result failure reasons. It is carried on
// CheckerResult.Error, never as a Go error returned to the caller: a
// checker error is data, not control flow.
type ErrorKind string

const (
	ErrorKindDeadline      ErrorKind = "deadline"
	ErrorKindUnavailable   ErrorKind = "unavailable"
	ErrorKindInternal      ErrorKind = "internal"
	ErrorKindBudgetSkipped ErrorKind = "budget_skipped"
)

// CheckerError is the per-result error detail attached to a CheckerResult.
type CheckerError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// CheckerSpec configures one checker's participation in the pipeline.
// Invariant: Enabled implies PreFilter or PostFilter (validated in config.Validate).
type CheckerSpec struct {
	Type        GuardrailType          `json:"type" yaml:"type"`
	VariantID   string                 `json:"variant_id" yaml:"variant_id"`
	Threshold   float64                `json:"threshold" yaml:"threshold"`
	Action      Action                 `json:"action" yaml:"action"`
	Enabled     bool                   `json:"enabled" yaml:"enabled"`
	PreFilter   bool                   `json:"pre_filter" yaml:"pre_filter"`
	PostFilter  bool                   `json:"post_filter" yaml:"post_filter"`
	Extra       map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
	// CrossBoundaryBlock makes a pre-filter redaction block instead of
	// rewriting, for content that must not cross a tenant or network
	// boundary even in sanitized form. Default false (redact).
	CrossBoundaryBlock bool `json:"cross_boundary_block,omitempty" yaml:"cross_boundary_block,omitempty"`
}

// RunsOn reports whether this spec participates in the pipeline for the given side.
func (c CheckerSpec) RunsOn(side Side) bool {
	if !c.Enabled {
		return false
	}
	if side == SidePre {
		return c.PreFilter
	}
	return c.PostFilter
}

// UseCaseProfile maps a UseCase to its latency budget and preferred variants.
// Invariant: 0 < GuardrailBudgetMS < TotalBudgetMS.
type UseCaseProfile struct {
	UseCase           UseCase                  `json:"use_case" yaml:"use_case"`
	TotalBudgetMS     int                      `json:"total_budget_ms" yaml:"total_budget_ms"`
	GuardrailBudgetMS int                      `json:"guardrail_budget_ms" yaml:"guardrail_budget_ms"`
	PreferredVariants map[GuardrailType]string `json:"preferred_variants,omitempty" yaml:"preferred_variants,omitempty"`
	PostFilterMode    PostFilterMode           `json:"post_filter_mode" yaml:"post_filter_mode"`
}

// RateRules configures the traffic guardrails applied before pipeline entry.
// Every field is optional; a zero value means the rule is not enforced.
type RateRules struct {
	PerMinute        int            `json:"per_minute,omitempty" yaml:"per_minute,omitempty"`
	PerHour          int            `json:"per_hour,omitempty" yaml:"per_hour,omitempty"`
	PerDay           int            `json:"per_day,omitempty" yaml:"per_day,omitempty"`
	MaxContextTokens int            `json:"max_context_tokens,omitempty" yaml:"max_context_tokens,omitempty"`
	MaxUploadBytes   int64          `json:"max_upload_bytes,omitempty" yaml:"max_upload_bytes,omitempty"`
	AllowedGeos      []string       `json:"allowed_geos,omitempty" yaml:"allowed_geos,omitempty"`
	BusinessHours    *BusinessHours `json:"business_hours,omitempty" yaml:"business_hours,omitempty"`
}

// BusinessHours restricts traffic to a daily window in a named timezone.
type BusinessHours struct {
	TZ    string `json:"tz" yaml:"tz"`
	Start string `json:"start" yaml:"start"` // "HH:MM", inclusive
	End   string `json:"end" yaml:"end"`     // "HH:MM", exclusive
}

// Config is an immutable policy snapshot: the set of checkers, the use-case
// profiles, the traffic rules, and the default action. It is replaced
// atomically on reload (internal/service.ConfigService); in-flight requests
// keep using the snapshot they started with.
type Config struct {
	Checkers      []CheckerSpec    `json:"checkers" yaml:"checkers"`
	UseCases      []UseCaseProfile `json:"use_cases" yaml:"use_cases"`
	RateRules     RateRules        `json:"rate_rules" yaml:"rate_rules"`
	DefaultAction Action           `json:"default_action" yaml:"default_action"`
}

// UseCaseProfiles indexes the configured profiles by UseCase.
func (c *Config) UseCaseProfiles() map[UseCase]UseCaseProfile {
	m := make(map[UseCase]UseCaseProfile, len(c.UseCases))
	for _, p := range c.UseCases {
		m[p.UseCase] = p
	}
	return m
}

// Identity is the opaque rate-limiter key (user id, hashed API key, etc).
type Identity string

// RequestContext carries everything the rate limiter and pipeline need about
// one side of one request.
type RequestContext struct {
	Content        string
	Side           Side
	UseCase        UseCase
	Identity       Identity
	ContextTokens  int
	UploadBytes    int64
	Geo            string
	Now            time.Time
	OriginalPrompt string // populated for /check/response when the caller supplies it
}

// CheckerResult is the outcome of a single checker invocation.
// Invariant: if Redacted is non-nil, Action is ActionRedact or ActionModify.
type CheckerResult struct {
	Type       GuardrailType `json:"type"`
	VariantID  string        `json:"variant,omitempty"`
	Passed     bool          `json:"passed"`
	Confidence float64       `json:"confidence"`
	Action     Action        `json:"action"`
	Message    string        `json:"message,omitempty"`
	Redacted   *string       `json:"redacted,omitempty"`
	LatencyMS  int64         `json:"latency_ms"`
	Severity   Severity      `json:"severity"`
	Error      *CheckerError `json:"error,omitempty"`
}

// PipelineOutcome is the result of running one side of one request through
// the orchestrator. Invariant: Allowed == false implies BlockedBy != "" and
// at least one result has Action == block and Passed == false.
type PipelineOutcome struct {
	Allowed          bool            `json:"allowed"`
	EffectiveContent string          `json:"effective_content"`
	Results          []CheckerResult `json:"results"`
	BudgetExceeded   bool            `json:"budget_exceeded"`
	BlockedBy        *GuardrailType  `json:"blocked_by,omitempty"`
}
