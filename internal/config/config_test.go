package config

import (
	"testing"

	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/domain/registry"
)

func TestAppConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg AppConfig
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Audit.Output != "stdout" {
		t.Errorf("Audit.Output = %q, want %q", cfg.Audit.Output, "stdout")
	}
	if cfg.RateLimitStore.Backend != "memory" {
		t.Errorf("RateLimitStore.Backend = %q, want %q", cfg.RateLimitStore.Backend, "memory")
	}
	if cfg.Guardrails.DefaultAction != string(guardrail.ActionAllow) {
		t.Errorf("DefaultAction = %q, want %q", cfg.Guardrails.DefaultAction, guardrail.ActionAllow)
	}
	if !cfg.Telemetry.MetricsEnabled {
		t.Error("Telemetry.MetricsEnabled should default to true")
	}
}

func TestAppConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{
		Server: ServerConfig{HTTPAddr: ":9090"},
		Audit:  AuditConfig{Output: "file:///var/log/custom.log"},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want preserved %q", cfg.Server.HTTPAddr, ":9090")
	}
	if cfg.Audit.Output != "file:///var/log/custom.log" {
		t.Errorf("Audit.Output = %q, want preserved value", cfg.Audit.Output)
	}
}

func TestAppConfig_SetDevDefaults_SeedsStarterPolicy(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if len(cfg.Guardrails.Checkers) == 0 {
		t.Fatal("expected dev defaults to seed checkers")
	}
	if len(cfg.Guardrails.UseCases) == 0 {
		t.Fatal("expected dev defaults to seed a use case profile")
	}
	if cfg.Upstream.BaseURL == "" {
		t.Fatal("expected dev defaults to seed an upstream base URL")
	}
}

func TestAppConfig_SetDevDefaults_NoOpWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if len(cfg.Guardrails.Checkers) != 0 {
		t.Error("expected no checkers seeded when dev mode is off")
	}
}

func TestGuardrailConfig_ToDomain(t *testing.T) {
	t.Parallel()

	g := GuardrailConfig{
		Checkers: []CheckerConfig{
			{Type: "prompt_injection", VariantID: "v1", Threshold: 0.7, Action: "block", Enabled: true, PreFilter: true},
		},
		UseCases: []UseCaseProfileConfig{
			{
				UseCase:           "chat",
				TotalBudgetMS:     2000,
				GuardrailBudgetMS: 400,
				PreferredVariants: map[string]string{"toxicity": "v2"},
				PostFilterMode:    "sync",
			},
		},
		DefaultAction: "allow",
	}

	domainCfg, profiles, err := g.ToDomain()
	if err != nil {
		t.Fatalf("ToDomain returned error: %v", err)
	}
	if len(domainCfg.Checkers) != 1 || domainCfg.Checkers[0].Type != guardrail.GuardrailPromptInjection {
		t.Fatalf("unexpected checkers: %+v", domainCfg.Checkers)
	}
	if len(profiles) != 1 || profiles[0].PreferredVariants[guardrail.GuardrailToxicity] != "v2" {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}
}

func TestAppConfig_DevDefaultsResolveInCatalog(t *testing.T) {
	t.Parallel()

	cfg := AppConfig{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	reg := registry.New()
	checker.RegisterBuiltins(reg)

	for _, c := range cfg.Guardrails.Checkers {
		typ := guardrail.GuardrailType(c.Type)
		if !reg.Has(typ, c.VariantID) {
			t.Errorf("dev default checker %s references variant %q not in the built-in catalog", c.Type, c.VariantID)
		}
	}
}
