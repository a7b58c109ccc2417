package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/service"
)

// handlePolicyGet returns the current policy snapshot.
func (h *Handler) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Snapshot())
}

// handlePolicyPost replaces the whole policy snapshot atomically. The body
// may be JSON or YAML (by Content-Type); in-flight requests complete under
// the old snapshot.
func (h *Handler) handlePolicyPost(w http.ResponseWriter, r *http.Request) {
	var cfg guardrail.Config
	if err := decodePolicyBody(r, &cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if err := h.config.Replace(&cfg); err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	LoggerFromContext(r.Context()).Info("policy replaced",
		"checkers", len(cfg.Checkers), "use_cases", len(cfg.UseCases))
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// handlePolicyPutType replaces the checker specs for a single guardrail
// type, leaving the rest of the snapshot untouched.
func (h *Handler) handlePolicyPutType(w http.ResponseWriter, r *http.Request) {
	typ := guardrail.GuardrailType(r.PathValue("type"))
	if !typ.IsValid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", fmt.Sprintf("unknown guardrail type %q", typ))
		return
	}

	var specs []guardrail.CheckerSpec
	if err := decodePolicyBody(r, &specs); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	for i := range specs {
		if specs[i].Type == "" {
			specs[i].Type = typ
		}
		if specs[i].Type != typ {
			writeError(w, http.StatusUnprocessableEntity, "validation_error",
				fmt.Sprintf("spec %d has type %q, path says %q", i, specs[i].Type, typ))
			return
		}
	}

	if err := h.config.ReplaceCheckers(typ, specs); err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	LoggerFromContext(r.Context()).Info("policy updated", "type", typ, "specs", len(specs))
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// policyTestEnvelope is the POST /policy/test body: a candidate policy and
// a sample to dry-run it against.
type policyTestEnvelope struct {
	Policy  guardrail.Config `json:"policy" yaml:"policy"`
	Prompt  string           `json:"prompt" yaml:"prompt"`
	Side    string           `json:"side,omitempty" yaml:"side,omitempty"`
	UseCase string           `json:"use_case,omitempty" yaml:"use_case,omitempty"`
}

// handlePolicyTest dry-runs a candidate policy against a sample prompt
// without publishing it.
func (h *Handler) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	var env policyTestEnvelope
	if err := decodePolicyBody(r, &env); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if env.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "prompt is required")
		return
	}

	uc, err := parseUseCase(env.UseCase, h.defaultUseCase)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	side := guardrail.SidePre
	if env.Side == string(guardrail.SidePost) {
		side = guardrail.SidePost
	}

	reqCtx := guardrail.RequestContext{
		Content: env.Prompt,
		Side:    side,
		UseCase: uc,
		Now:     time.Now(),
	}

	outcome, err := h.guard.DryRun(r.Context(), reqCtx, &env.Policy)
	if err != nil {
		h.writePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody(outcome))
}

// writePolicyError maps policy validation failures to 422 and everything
// else to the generic mapper.
func (h *Handler) writePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *service.PolicyError
	if errors.As(err, &pe) {
		writeError(w, http.StatusUnprocessableEntity, "policy_error", pe.Detail)
		return
	}
	h.writeServiceError(w, r, err)
}

// decodePolicyBody decodes a JSON or YAML body by Content-Type. Policy
// authors live in YAML; automation posts JSON.
func decodePolicyBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") || strings.Contains(ct, "yml") {
		if err := yaml.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("malformed YAML: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}
