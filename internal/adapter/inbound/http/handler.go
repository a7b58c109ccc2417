package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aimguard/gateway/internal/adapter/outbound/upstream"
	"github.com/aimguard/gateway/internal/domain/guardrail"
	"github.com/aimguard/gateway/internal/service"
)

// Handler serves the gateway's HTTP API.
type Handler struct {
	guard          *service.GuardrailService
	proxy          *service.ProxyService
	config         *service.ConfigService
	defaultUseCase string
	logger         *slog.Logger
}

// Options configures NewHandler.
type Options struct {
	Guard          *service.GuardrailService
	Proxy          *service.ProxyService
	Config         *service.ConfigService
	Metrics        *prometheus.Registry
	DefaultUseCase string
	MaxInFlight    int
	Logger         *slog.Logger
}

// NewHandler builds the route table with the middleware stack applied.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultUseCase == "" {
		opts.DefaultUseCase = string(guardrail.UseCaseChat)
	}
	h := &Handler{
		guard:          opts.Guard,
		proxy:          opts.Proxy,
		config:         opts.Config,
		defaultUseCase: opts.DefaultUseCase,
		logger:         logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /check/request", h.handleCheckRequest)
	mux.HandleFunc("POST /check/response", h.handleCheckResponse)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /policy", h.handlePolicyGet)
	mux.HandleFunc("POST /policy", h.handlePolicyPost)
	mux.HandleFunc("PUT /policy/{type}", h.handlePolicyPutType)
	mux.HandleFunc("POST /policy/test", h.handlePolicyTest)
	mux.HandleFunc("GET /rate-limit/stats/{identity}", h.handleRateLimitStats)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = InFlightLimiter(opts.MaxInFlight)(handler)
	handler = RequestIDMiddleware(logger)(handler)
	return handler
}

// requestContext assembles the pipeline inputs from a check envelope.
func (h *Handler) requestContext(env checkRequestEnvelope, side guardrail.Side) (guardrail.RequestContext, error) {
	uc, err := parseUseCase(env.UseCase, h.defaultUseCase)
	if err != nil {
		return guardrail.RequestContext{}, err
	}
	return guardrail.RequestContext{
		Content:       env.Prompt,
		Side:          side,
		UseCase:       uc,
		Identity:      guardrail.Identity(env.UserID),
		ContextTokens: env.ContextLength,
		UploadBytes:   env.UploadBytes,
		Geo:           env.Geo,
		Now:           time.Now(),
	}, nil
}

// handleCheckRequest runs the pre-filter pipeline only. A blocked prompt
// returns 400 with the full outcome body; traffic denials return 429.
func (h *Handler) handleCheckRequest(w http.ResponseWriter, r *http.Request) {
	var env checkRequestEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if env.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "prompt is required")
		return
	}

	reqCtx, err := h.requestContext(env, guardrail.SidePre)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if err := h.guard.CheckTraffic(r.Context(), reqCtx); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	outcome, err := h.guard.RunPipeline(r.Context(), RequestIDFromContext(r.Context()), reqCtx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if !outcome.Allowed {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, outcomeBody(outcome))
}

// handleCheckResponse runs the post-filter pipeline only. Post-filter
// blocks stay 200 with allowed=false, per the check-endpoint contract.
func (h *Handler) handleCheckResponse(w http.ResponseWriter, r *http.Request) {
	var env checkResponseEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if env.Response == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "response is required")
		return
	}

	uc, err := parseUseCase(env.UseCase, h.defaultUseCase)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	reqCtx := guardrail.RequestContext{
		Content:        env.Response,
		Side:           guardrail.SidePost,
		UseCase:        uc,
		Identity:       guardrail.Identity(env.UserID),
		OriginalPrompt: env.OriginalPrompt,
		Now:            time.Now(),
	}

	outcome, err := h.guard.RunPipeline(r.Context(), RequestIDFromContext(r.Context()), reqCtx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeBody(outcome))
}

// handlePredict runs the full proxy flow.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	if h.proxy == nil {
		writeError(w, http.StatusNotImplemented, "proxy_disabled", "no upstream configured")
		return
	}

	var env predictEnvelope
	if err := decodeJSON(r, &env); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}
	if env.Prompt == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "prompt is required")
		return
	}

	reqCtx, err := h.requestContext(env.checkRequestEnvelope, guardrail.SidePre)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	result, err := h.proxy.Predict(r.Context(), RequestIDFromContext(r.Context()), env.Model, reqCtx)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, predictResponseBody{
		Content: result.Content,
		Model:   result.Model,
		Guardrails: predictGuardrails{
			Pre:  outcomeBody(result.Pre),
			Post: outcomeBody(result.Post),
		},
	})
}

// writeServiceError maps typed service errors to the status-code table.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := LoggerFromContext(r.Context())

	var rle *service.RateLimitedError
	if errors.As(err, &rle) {
		if rle.Decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(rle.Decision.RetryAfter))
		}
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:        "rate_limited",
			Message:      rle.Decision.Reason,
			RetryAfterMS: rle.Decision.RetryAfter.Milliseconds(),
		})
		return
	}

	var be *service.BlockedError
	if errors.As(err, &be) {
		// Pre and post blocks both stop the proxy flow with 400; the body
		// carries the outcome so clients can see which checker fired.
		writeJSON(w, http.StatusBadRequest, outcomeBody(be.Outcome))
		return
	}

	var ue *upstream.Error
	if errors.As(err, &ue) {
		switch ue.Kind {
		case upstream.ErrorTimeout:
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not answer in time")
		case upstream.ErrorHTTP4xx:
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "upstream_rejected", Message: ue.Body})
		default: // refused, http_5xx
			writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
		}
		return
	}

	// A hard deadline overrun, whether it fired inside the pipeline or
	// during the upstream call, means the request ran out of total budget.
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "deadline_exceeded", "request deadline exceeded")
		return
	}

	logger.Error("internal error", "error", err, "path", r.URL.Path, "client", RealIP(r))
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

// retryAfterSeconds formats a duration as whole seconds, rounded up, for
// the Retry-After header.
func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// handleHealth reports liveness: 200 once every checker referenced by an
// enabled spec has completed lazy init.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.guard.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports readiness plus the checker availability map.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.guard.Availability()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"checkers": entries,
	})
}

// handleRateLimitStats serves the per-identity window occupancy.
func (h *Handler) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "identity is required")
		return
	}
	stats, err := h.guard.Stats(r.Context(), guardrail.Identity(identity))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
