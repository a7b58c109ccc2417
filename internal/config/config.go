// Package config provides configuration types for the aimguard gateway.
//
// The schema covers exactly the ambient and domain concerns the gateway
// needs: the HTTP server it listens on, the inference service it proxies
// to, the guardrail policy (checkers, use-case budgets, traffic rules),
// the rate-limiter storage backend, audit output, and telemetry. It
// intentionally excludes anything that belongs to a deployment's
// surrounding infrastructure:
//
//   - NO TLS termination (handle via reverse proxy)
//   - NO multi-tenant routing (one policy snapshot per process)
//   - NO admin web interface (policy is a YAML file plus a REST surface)
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// AppConfig is the top-level configuration for the gateway process.
type AppConfig struct {
	// Server configures the HTTP listener the gateway itself exposes.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Upstream configures the model-inference service being proxied to.
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`

	// Guardrails is the policy snapshot: checkers, use-case budgets, and
	// traffic rules. It is converted to guardrail.Config via ToDomain.
	Guardrails GuardrailConfig `yaml:"guardrails" mapstructure:"guardrails"`

	// RateLimitStore selects and configures the counter storage backend
	// for the rate limiter.
	RateLimitStore RateLimitStoreConfig `yaml:"rate_limit_store" mapstructure:"rate_limit_store"`

	// Audit configures where per-request audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures metrics and tracing export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables permissive defaults (a starter policy, verbose
	// logging) so the gateway can run with a near-empty config file.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`

	// DefaultUseCase is applied to request envelopes that omit use_case.
	DefaultUseCase string `yaml:"default_use_case" mapstructure:"default_use_case" validate:"omitempty,guardrail_usecase"`

	// PolicySnapshotPath, when set, persists policies applied through the
	// REST surface so a restart comes back up with the last applied policy.
	PolicySnapshotPath string `yaml:"policy_snapshot_path" mapstructure:"policy_snapshot_path" validate:"omitempty"`
}

// ServerConfig configures the HTTP server the gateway listens on.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080").
	// Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum slog level.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight requests to drain (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty"`

	// MaxInFlight caps concurrently served requests; beyond it new
	// requests get 503 with Retry-After before entering the pipeline.
	MaxInFlight int `yaml:"max_in_flight" mapstructure:"max_in_flight" validate:"omitempty,min=1"`
}

// UpstreamConfig configures the model-inference service the gateway
// proxies requests to once the pre-filter pipeline allows them through.
type UpstreamConfig struct {
	// BaseURL is the inference service's base URL (e.g. "http://localhost:9000").
	// Empty disables the /predict proxy; the check endpoints still serve.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// Timeout bounds a single upstream call (e.g. "30s"). The effective
	// per-request deadline is the smaller of this and the use case's
	// remaining total_budget_ms.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// RetryBackoff is the delay before the single allowed retry on a
	// transient network error (e.g. "100ms"). Never applied to 4xx
	// responses from upstream.
	RetryBackoff string `yaml:"retry_backoff" mapstructure:"retry_backoff" validate:"omitempty"`
}

// CheckerConfig is the file/env representation of a guardrail.CheckerSpec.
type CheckerConfig struct {
	Type               string                 `yaml:"type" mapstructure:"type" validate:"required,guardrail_type"`
	VariantID          string                 `yaml:"variant_id" mapstructure:"variant_id" validate:"required"`
	Threshold          float64                `yaml:"threshold" mapstructure:"threshold" validate:"guardrail_threshold"`
	Action             string                 `yaml:"action" mapstructure:"action" validate:"required,guardrail_action"`
	Enabled            bool                   `yaml:"enabled" mapstructure:"enabled"`
	PreFilter          bool                   `yaml:"pre_filter" mapstructure:"pre_filter"`
	PostFilter         bool                   `yaml:"post_filter" mapstructure:"post_filter"`
	Extra              map[string]interface{} `yaml:"extra" mapstructure:"extra"`
	CrossBoundaryBlock bool                   `yaml:"cross_boundary_block" mapstructure:"cross_boundary_block"`
}

// BusinessHoursConfig restricts traffic to a daily window in a named timezone.
type BusinessHoursConfig struct {
	TZ    string `yaml:"tz" mapstructure:"tz" validate:"required"`
	Start string `yaml:"start" mapstructure:"start" validate:"required"`
	End   string `yaml:"end" mapstructure:"end" validate:"required"`
}

// RateRulesConfig is the file/env representation of guardrail.RateRules.
type RateRulesConfig struct {
	PerMinute        int                  `yaml:"per_minute" mapstructure:"per_minute" validate:"omitempty,min=1"`
	PerHour          int                  `yaml:"per_hour" mapstructure:"per_hour" validate:"omitempty,min=1"`
	PerDay           int                  `yaml:"per_day" mapstructure:"per_day" validate:"omitempty,min=1"`
	MaxContextTokens int                  `yaml:"max_context_tokens" mapstructure:"max_context_tokens" validate:"omitempty,min=1"`
	MaxUploadBytes   int64                `yaml:"max_upload_bytes" mapstructure:"max_upload_bytes" validate:"omitempty,min=1"`
	AllowedGeos      []string             `yaml:"allowed_geos" mapstructure:"allowed_geos"`
	BusinessHours    *BusinessHoursConfig `yaml:"business_hours" mapstructure:"business_hours"`
}

// UseCaseProfileConfig is the file/env representation of guardrail.UseCaseProfile.
type UseCaseProfileConfig struct {
	UseCase           string            `yaml:"use_case" mapstructure:"use_case" validate:"required,guardrail_usecase"`
	TotalBudgetMS     int               `yaml:"total_budget_ms" mapstructure:"total_budget_ms" validate:"required,min=1"`
	GuardrailBudgetMS int               `yaml:"guardrail_budget_ms" mapstructure:"guardrail_budget_ms" validate:"required,min=1"`
	PreferredVariants map[string]string `yaml:"preferred_variants" mapstructure:"preferred_variants"`
	PostFilterMode    string            `yaml:"post_filter_mode" mapstructure:"post_filter_mode" validate:"omitempty,oneof=sync async"`
}

// GuardrailConfig is the file/env representation of the guardrail policy
// snapshot. ToDomain converts it into the value types the orchestrator,
// budget manager, and rate gate actually consume.
type GuardrailConfig struct {
	Checkers      []CheckerConfig        `yaml:"checkers" mapstructure:"checkers" validate:"omitempty,dive"`
	UseCases      []UseCaseProfileConfig `yaml:"use_cases" mapstructure:"use_cases" validate:"omitempty,dive"`
	RateRules     RateRulesConfig        `yaml:"rate_rules" mapstructure:"rate_rules"`
	DefaultAction string                 `yaml:"default_action" mapstructure:"default_action" validate:"required,guardrail_action"`
}

// ToDomain converts the file/env guardrail config into the domain's
// guardrail.Config plus the use-case profiles the budget manager indexes.
func (g GuardrailConfig) ToDomain() (*guardrail.Config, []guardrail.UseCaseProfile, error) {
	checkers := make([]guardrail.CheckerSpec, 0, len(g.Checkers))
	for _, c := range g.Checkers {
		checkers = append(checkers, guardrail.CheckerSpec{
			Type:               guardrail.GuardrailType(c.Type),
			VariantID:          c.VariantID,
			Threshold:          c.Threshold,
			Action:             guardrail.Action(c.Action),
			Enabled:            c.Enabled,
			PreFilter:          c.PreFilter,
			PostFilter:         c.PostFilter,
			Extra:              c.Extra,
			CrossBoundaryBlock: c.CrossBoundaryBlock,
		})
	}

	profiles := make([]guardrail.UseCaseProfile, 0, len(g.UseCases))
	for _, p := range g.UseCases {
		var preferred map[guardrail.GuardrailType]string
		if len(p.PreferredVariants) > 0 {
			preferred = make(map[guardrail.GuardrailType]string, len(p.PreferredVariants))
			for k, v := range p.PreferredVariants {
				preferred[guardrail.GuardrailType(k)] = v
			}
		}
		mode := guardrail.PostFilterMode(p.PostFilterMode)
		if mode == "" {
			mode = guardrail.PostFilterSync
		}
		profiles = append(profiles, guardrail.UseCaseProfile{
			UseCase:           guardrail.UseCase(p.UseCase),
			TotalBudgetMS:     p.TotalBudgetMS,
			GuardrailBudgetMS: p.GuardrailBudgetMS,
			PreferredVariants: preferred,
			PostFilterMode:    mode,
		})
	}

	var bh *guardrail.BusinessHours
	if g.RateRules.BusinessHours != nil {
		bh = &guardrail.BusinessHours{
			TZ:    g.RateRules.BusinessHours.TZ,
			Start: g.RateRules.BusinessHours.Start,
			End:   g.RateRules.BusinessHours.End,
		}
	}

	cfg := &guardrail.Config{
		Checkers: checkers,
		UseCases: profiles,
		RateRules: guardrail.RateRules{
			PerMinute:        g.RateRules.PerMinute,
			PerHour:          g.RateRules.PerHour,
			PerDay:           g.RateRules.PerDay,
			MaxContextTokens: g.RateRules.MaxContextTokens,
			MaxUploadBytes:   g.RateRules.MaxUploadBytes,
			AllowedGeos:      g.RateRules.AllowedGeos,
			BusinessHours:    bh,
		},
		DefaultAction: guardrail.Action(g.DefaultAction),
	}
	return cfg, profiles, nil
}

// RateLimitStoreConfig selects and configures the counter storage backend
// the rate.Gate's RateLimiter is built from.
type RateLimitStoreConfig struct {
	// Backend is one of "memory", "sqlite", "redis". Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite redis"`

	// SQLitePath is the database file used when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"omitempty"`

	// RedisAddr is the "host:port" used when Backend is "redis".
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty"`

	// RedisDB selects the logical Redis database.
	RedisDB int `yaml:"redis_db" mapstructure:"redis_db" validate:"omitempty,min=0"`

	// CleanupInterval is how often expired counters are swept from the
	// in-process memory backend (e.g. "5m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
}

// AuditConfig configures audit record output.
type AuditConfig struct {
	// Output specifies where audit records are written: "stdout" or
	// "file://<absolute-path>".
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// ChannelSize is the buffer size for the audit writer's input channel.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// FlushInterval is how often buffered records are flushed (e.g. "1s").
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
}

// TelemetryConfig configures metrics and tracing export.
type TelemetryConfig struct {
	// MetricsEnabled turns on the Prometheus registry and /metrics route.
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// TracingEnabled turns on OpenTelemetry spans around checkers and the
	// upstream call.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`

	// OTLPEndpoint is the collector endpoint for trace export. Empty means
	// traces are written to stdout via the stdouttrace exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint" validate:"omitempty"`
}

// SetDefaults applies sensible default values to fields left unset.
func (c *AppConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Server.MaxInFlight == 0 {
		c.Server.MaxInFlight = 256
	}
	if c.DefaultUseCase == "" {
		c.DefaultUseCase = string(guardrail.UseCaseChat)
	}

	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "30s"
	}
	if c.Upstream.RetryBackoff == "" {
		c.Upstream.RetryBackoff = "100ms"
	}

	if c.Guardrails.DefaultAction == "" {
		c.Guardrails.DefaultAction = string(guardrail.ActionAllow)
	}

	if c.RateLimitStore.Backend == "" {
		c.RateLimitStore.Backend = "memory"
	}
	if c.RateLimitStore.SQLitePath == "" {
		c.RateLimitStore.SQLitePath = "aimguard-ratelimit.db"
	}
	if c.RateLimitStore.CleanupInterval == "" {
		c.RateLimitStore.CleanupInterval = "5m"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}

	// Metrics default to on; only respect an explicit false from file/env.
	if !viper.IsSet("telemetry.metrics_enabled") {
		c.Telemetry.MetricsEnabled = true
	}
}

// SetDevDefaults applies a permissive starter policy in dev mode, so the
// gateway can run against a near-empty config file. Applied before
// validation so the required guardrail fields are satisfied.
func (c *AppConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Guardrails.Checkers) == 0 {
		c.Guardrails.Checkers = defaultCheckers()
	}
	if len(c.Guardrails.UseCases) == 0 {
		c.Guardrails.UseCases = []UseCaseProfileConfig{
			{
				UseCase:           string(guardrail.UseCaseChat),
				TotalBudgetMS:     2000,
				GuardrailBudgetMS: 400,
				PostFilterMode:    string(guardrail.PostFilterSync),
			},
		}
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://127.0.0.1:9000"
	}
}

// defaultCheckers is the safe default policy: prompt injection and
// secrets block, PII redacts, toxicity blocks, all at a 0.7 confidence
// threshold.
func defaultCheckers() []CheckerConfig {
	return []CheckerConfig{
		{Type: string(guardrail.GuardrailPromptInjection), VariantID: checker.VariantPattern, Threshold: 0.7, Action: string(guardrail.ActionBlock), Enabled: true, PreFilter: true},
		{Type: string(guardrail.GuardrailSecrets), VariantID: checker.VariantPattern, Threshold: 0.7, Action: string(guardrail.ActionBlock), Enabled: true, PreFilter: true, PostFilter: true},
		{Type: string(guardrail.GuardrailPII), VariantID: checker.VariantPattern, Threshold: 0.7, Action: string(guardrail.ActionRedact), Enabled: true, PreFilter: true, PostFilter: true},
		{Type: string(guardrail.GuardrailToxicity), VariantID: checker.VariantPattern, Threshold: 0.7, Action: string(guardrail.ActionBlock), Enabled: true, PreFilter: true, PostFilter: true},
	}
}

// BudgetProfiles converts the configured use cases into domain profiles,
// for wiring into budget.NewManager at startup.
func (c *AppConfig) BudgetProfiles() ([]guardrail.UseCaseProfile, error) {
	_, profiles, err := c.Guardrails.ToDomain()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, p := range profiles {
		if err := budget.ValidateBudget(p); err != nil {
			return nil, err
		}
	}
	return profiles, nil
}
