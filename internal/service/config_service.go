// Package service composes the domain pieces into the three services the
// HTTP surface consumes: the policy snapshot (ConfigService), the pipeline
// front door (GuardrailService), and the end-to-end proxy (ProxyService).
package service

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aimguard/gateway/internal/adapter/outbound/state"
	"github.com/aimguard/gateway/internal/domain/budget"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/domain/registry"
)

// PolicyError marks a rejected policy: the old snapshot stays in force.
type PolicyError struct {
	Detail string
}

func (e *PolicyError) Error() string { return "invalid policy: " + e.Detail }

// ConfigService owns the policy snapshot. Readers take a consistent
// snapshot with a single atomic load; Replace validates, swaps the pointer,
// rebinds the budget manager, and (when configured) persists the applied
// policy so a restart does not revert it.
type ConfigService struct {
	snapshot atomic.Pointer[guardrail.Config]
	budget   *budget.Manager
	registry *registry.Registry
	store    *state.SnapshotStore // nil when persistence is off
	logger   *slog.Logger
}

// NewConfigService builds the service around an initial policy. The initial
// policy is validated the same way a reload is; a bad boot policy is a
// startup failure, not a silent fallback.
func NewConfigService(initial *guardrail.Config, bm *budget.Manager, reg *registry.Registry, store *state.SnapshotStore, logger *slog.Logger) (*ConfigService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ConfigService{budget: bm, registry: reg, store: store, logger: logger}

	if store != nil {
		if snap, err := store.Load(); err != nil {
			return nil, fmt.Errorf("config service: load persisted policy: %w", err)
		} else if snap != nil {
			logger.Info("restoring persisted policy snapshot", "path", store.Path())
			initial = &snap.Policy
		}
	}

	if err := s.install(initial, false); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current policy. The returned value must be treated
// as immutable; a request holds one snapshot for its whole lifetime.
func (s *ConfigService) Snapshot() *guardrail.Config {
	return s.snapshot.Load()
}

// Replace validates and atomically publishes a new policy. In-flight
// requests complete under the snapshot they loaded. On validation failure
// the old snapshot is retained and a *PolicyError is returned.
func (s *ConfigService) Replace(cfg *guardrail.Config) error {
	return s.install(cfg, true)
}

// ReplaceCheckers publishes a new policy that differs from the current one
// only in the specs for a single guardrail type, backing PUT /policy/{type}.
func (s *ConfigService) ReplaceCheckers(typ guardrail.GuardrailType, specs []guardrail.CheckerSpec) error {
	cur := s.Snapshot()
	next := *cur
	next.Checkers = make([]guardrail.CheckerSpec, 0, len(cur.Checkers)+len(specs))
	for _, c := range cur.Checkers {
		if c.Type != typ {
			next.Checkers = append(next.Checkers, c)
		}
	}
	next.Checkers = append(next.Checkers, specs...)
	return s.install(&next, true)
}

// install validates, swaps, rebinds budgets, and optionally persists.
func (s *ConfigService) install(cfg *guardrail.Config, persist bool) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.snapshot.Store(cfg)
	s.budget.Replace(cfg.UseCases)
	if persist && s.store != nil {
		if err := s.store.Save(&state.PolicySnapshot{Policy: *cfg}); err != nil {
			// The swap already happened; persistence failure only affects
			// the next restart.
			s.logger.Warn("failed to persist policy snapshot", "error", err)
		}
	}
	return nil
}

// Validate applies the policy validation contract: every variant resolves
// in the registry, thresholds are in range, redact actions require a
// redact-capable checker, no duplicate {type, variant} pairs, enabled specs
// run on at least one side, and use-case budgets hold their invariant.
func (s *ConfigService) Validate(cfg *guardrail.Config) error {
	if cfg == nil {
		return &PolicyError{Detail: "policy is empty"}
	}
	if cfg.DefaultAction != "" && !cfg.DefaultAction.IsValid() {
		return &PolicyError{Detail: fmt.Sprintf("unknown default_action %q", cfg.DefaultAction)}
	}

	seen := make(map[string]struct{}, len(cfg.Checkers))
	for _, c := range cfg.Checkers {
		if !c.Type.IsValid() {
			return &PolicyError{Detail: fmt.Sprintf("unknown guardrail type %q", c.Type)}
		}
		if !c.Action.IsValid() {
			return &PolicyError{Detail: fmt.Sprintf("checker %s: unknown action %q", c.Type, c.Action)}
		}
		if c.Threshold < 0 || c.Threshold > 1 {
			return &PolicyError{Detail: fmt.Sprintf("checker %s: threshold %v outside [0,1]", c.Type, c.Threshold)}
		}
		if c.Enabled && !c.PreFilter && !c.PostFilter {
			return &PolicyError{Detail: fmt.Sprintf("checker %s: enabled but neither pre_filter nor post_filter", c.Type)}
		}

		key := string(c.Type) + "/" + c.VariantID
		if _, dup := seen[key]; dup {
			return &PolicyError{Detail: fmt.Sprintf("duplicate checker spec %s", key)}
		}
		seen[key] = struct{}{}

		if !s.registry.Has(c.Type, c.VariantID) {
			return &PolicyError{Detail: fmt.Sprintf("checker %s: variant %q not in catalog", c.Type, c.VariantID)}
		}
		if c.Action == guardrail.ActionRedact || c.Action == guardrail.ActionModify {
			impl, err := s.registry.Get(c.Type, c.VariantID)
			if err != nil {
				return &PolicyError{Detail: fmt.Sprintf("checker %s/%s: unavailable: %v", c.Type, c.VariantID, err)}
			}
			if !impl.Capabilities().CanRedact {
				return &PolicyError{Detail: fmt.Sprintf("checker %s/%s: action %s requires redaction capability", c.Type, c.VariantID, c.Action)}
			}
		}
	}

	for _, p := range cfg.UseCases {
		if !p.UseCase.IsValid() {
			return &PolicyError{Detail: fmt.Sprintf("unknown use_case %q", p.UseCase)}
		}
		if err := budget.ValidateBudget(p); err != nil {
			return &PolicyError{Detail: err.Error()}
		}
	}
	return nil
}
