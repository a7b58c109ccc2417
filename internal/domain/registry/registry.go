// Package registry holds the process-wide catalog of checker variants and
// constructs them lazily: build once, read many times without a lock.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aimguard/gateway/internal/domain/checker"
	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// key identifies one checker variant in the catalog.
type key struct {
	Type      guardrail.GuardrailType
	VariantID string
}

// Factory builds a Checker on first use. Factories must be cheap to store
// and idempotent to call once; the registry guarantees at most one call per
// key via sync.Once. It is a type alias so the registry satisfies
// checker.Registrar without an adapter.
type Factory = func() (checker.Checker, error)

// entry lazily constructs and caches one checker variant.
type entry struct {
	once sync.Once
	fn   Factory
	val  checker.Checker
	err  error
}

func (e *entry) get() (checker.Checker, error) {
	e.once.Do(func() {
		e.val, e.err = e.fn()
	})
	return e.val, e.err
}

// Registry is the process-wide {type, variant_id} -> Checker catalog.
// Registration happens once at startup (cmd/aimguard wiring); lookups happen
// on every pipeline run and must not take a write lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[key]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[key]*entry)}
}

// Register adds a factory for the given type/variant. Registering the same
// key twice replaces the factory; this is only safe before the registry is
// read concurrently (i.e. during startup wiring).
func (r *Registry) Register(typ guardrail.GuardrailType, variantID string, fn Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key{typ, variantID}] = &entry{fn: fn}
}

// Get returns the constructed checker for type/variant, building it on first
// access. An unknown key returns an error the pipeline surfaces as a
// guardrail.ErrorKindUnavailable result rather than an HTTP 500.
func (r *Registry) Get(typ guardrail.GuardrailType, variantID string) (checker.Checker, error) {
	r.mu.RLock()
	e, ok := r.entries[key{typ, variantID}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no checker registered for type=%s variant=%s", typ, variantID)
	}
	return e.get()
}

// Has reports whether a factory is registered for type/variant, without
// constructing it.
func (r *Registry) Has(typ guardrail.GuardrailType, variantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key{typ, variantID}]
	return ok
}

// AvailabilityEntry reports one variant's constructed state, for /status and
// the guardrail_model_available gauge.
type AvailabilityEntry struct {
	Type      guardrail.GuardrailType `json:"type"`
	VariantID string                  `json:"variant_id"`
	Available bool                    `json:"available"`
	Error     string                  `json:"error,omitempty"`
}

// Availability builds the checkers once (if not already built) and reports
// which succeeded. Building here is intentional: /status must reflect real
// availability, not just registration.
func (r *Registry) Availability() []AvailabilityEntry {
	r.mu.RLock()
	keys := make([]key, 0, len(r.entries))
	entries := make(map[key]*entry, len(r.entries))
	for k, e := range r.entries {
		keys = append(keys, k)
		entries[k] = e
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].VariantID < keys[j].VariantID
	})

	out := make([]AvailabilityEntry, 0, len(keys))
	for _, k := range keys {
		_, err := entries[k].get()
		ae := AvailabilityEntry{Type: k.Type, VariantID: k.VariantID, Available: err == nil}
		if err != nil {
			ae.Error = err.Error()
		}
		out = append(out, ae)
	}
	return out
}
