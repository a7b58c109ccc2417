// Package budget tracks the per-use-case latency profiles and exposes
// them through a lock-free atomic snapshot.
package budget

import (
	"fmt"
	"sync/atomic"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// Manager holds a read-mostly map of UseCase -> UseCaseProfile behind an
// atomic.Pointer so reads never block on reload.
type Manager struct {
	snapshot atomic.Pointer[map[guardrail.UseCase]guardrail.UseCaseProfile]
}

// NewManager builds a Manager from the given profiles, indexed by UseCase.
func NewManager(profiles []guardrail.UseCaseProfile) *Manager {
	m := &Manager{}
	m.Replace(profiles)
	return m
}

// Replace atomically swaps in a new set of profiles. Safe to call
// concurrently with GetBudgetMS/GetPreferredVariant/ValidateBudget.
func (m *Manager) Replace(profiles []guardrail.UseCaseProfile) {
	idx := make(map[guardrail.UseCase]guardrail.UseCaseProfile, len(profiles))
	for _, p := range profiles {
		idx[p.UseCase] = p
	}
	m.snapshot.Store(&idx)
}

func (m *Manager) load() map[guardrail.UseCase]guardrail.UseCaseProfile {
	p := m.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Profile returns the profile configured for uc, and whether one exists.
func (m *Manager) Profile(uc guardrail.UseCase) (guardrail.UseCaseProfile, bool) {
	p, ok := m.load()[uc]
	return p, ok
}

// GetBudgetMS returns the guardrail-pipeline budget in milliseconds for uc.
// Unknown use cases get a conservative default rather than an unbounded
// budget, so a typo in a request's use_case field degrades safely.
func (m *Manager) GetBudgetMS(uc guardrail.UseCase) int64 {
	if p, ok := m.Profile(uc); ok {
		return int64(p.GuardrailBudgetMS)
	}
	return defaultGuardrailBudgetMS
}

// defaultGuardrailBudgetMS is applied when a request names a use case with
// no configured profile.
const defaultGuardrailBudgetMS = 200

// GetPreferredVariant returns the preferred variant id for typ under uc's
// profile, or "" if none is configured (caller falls back to the checker
// spec's default variant).
func (m *Manager) GetPreferredVariant(uc guardrail.UseCase, typ guardrail.GuardrailType) string {
	p, ok := m.Profile(uc)
	if !ok || p.PreferredVariants == nil {
		return ""
	}
	return p.PreferredVariants[typ]
}

// ValidateBudget checks the structural invariant
// 0 < GuardrailBudgetMS < TotalBudgetMS.
func ValidateBudget(p guardrail.UseCaseProfile) error {
	if p.TotalBudgetMS <= 0 {
		return fmt.Errorf("use_case %s: total_budget_ms must be positive", p.UseCase)
	}
	if p.GuardrailBudgetMS <= 0 {
		return fmt.Errorf("use_case %s: guardrail_budget_ms must be positive", p.UseCase)
	}
	if p.GuardrailBudgetMS >= p.TotalBudgetMS {
		return fmt.Errorf("use_case %s: guardrail_budget_ms (%d) must be less than total_budget_ms (%d)",
			p.UseCase, p.GuardrailBudgetMS, p.TotalBudgetMS)
	}
	return nil
}
