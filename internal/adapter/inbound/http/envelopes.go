package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// maxBodyBytes bounds every request body read by this surface.
const maxBodyBytes = 10 << 20

// checkRequestEnvelope is the POST /check/request body.
type checkRequestEnvelope struct {
	Prompt        string `json:"prompt"`
	UseCase       string `json:"use_case,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	UploadBytes   int64  `json:"upload_bytes,omitempty"`
	Geo           string `json:"geo,omitempty"`
}

// checkResponseEnvelope is the POST /check/response body.
type checkResponseEnvelope struct {
	Response       string `json:"response"`
	OriginalPrompt string `json:"original_prompt,omitempty"`
	UseCase        string `json:"use_case,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// predictEnvelope is the POST /predict body: the check/request envelope
// plus the upstream routing field.
type predictEnvelope struct {
	checkRequestEnvelope
	Model string `json:"model,omitempty"`
}

// checkOutcomeBody is the response envelope shared by all check endpoints.
type checkOutcomeBody struct {
	Allowed          bool                      `json:"allowed"`
	EffectiveContent string                    `json:"effective_content"`
	BlockedBy        *guardrail.GuardrailType  `json:"blocked_by"`
	BudgetExceeded   bool                      `json:"budget_exceeded"`
	Message          string                    `json:"message,omitempty"`
	Results          []guardrail.CheckerResult `json:"results"`
}

// predictResponseBody is the successful POST /predict response.
type predictResponseBody struct {
	Content    string            `json:"content"`
	Model      string            `json:"model,omitempty"`
	Guardrails predictGuardrails `json:"guardrails"`
}

// predictGuardrails summarizes both pipeline runs in a proxy response.
type predictGuardrails struct {
	Pre  checkOutcomeBody `json:"pre"`
	Post checkOutcomeBody `json:"post"`
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// outcomeBody converts a PipelineOutcome into the wire envelope, attaching
// the first blocking result's message when the request was blocked.
func outcomeBody(outcome guardrail.PipelineOutcome) checkOutcomeBody {
	body := checkOutcomeBody{
		Allowed:          outcome.Allowed,
		EffectiveContent: outcome.EffectiveContent,
		BlockedBy:        outcome.BlockedBy,
		BudgetExceeded:   outcome.BudgetExceeded,
		Results:          outcome.Results,
	}
	if body.Results == nil {
		body.Results = []guardrail.CheckerResult{}
	}
	if !outcome.Allowed {
		for _, r := range outcome.Results {
			if !r.Passed && r.Action == guardrail.ActionBlock {
				body.Message = r.Message
				break
			}
		}
		if body.Message == "" {
			body.Message = "request blocked by guardrail policy"
		}
	}
	return body
}

// decodeJSON reads and decodes a JSON body, distinguishing malformed input
// (422 for the caller) from transport errors.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return nil
}

// parseUseCase validates the envelope's use_case, applying fallback when
// the field is empty.
func parseUseCase(raw, fallback string) (guardrail.UseCase, error) {
	if raw == "" {
		raw = fallback
	}
	uc := guardrail.UseCase(raw)
	if !uc.IsValid() {
		return "", fmt.Errorf("unknown use_case %q", raw)
	}
	return uc, nil
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}
