// Package gateway implements the request pipeline: CORS and method gating,
// credential validation, two-dimension rate limiting, allow-list routing,
// payload validation, upstream proxying with response shaping, and audit
// recording.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evasend/wagateway/internal/audit"
	"github.com/evasend/wagateway/internal/auth"
	"github.com/evasend/wagateway/internal/config"
	"github.com/evasend/wagateway/internal/observability"
	"github.com/evasend/wagateway/internal/proxy"
	"github.com/evasend/wagateway/internal/ratelimit"
	"github.com/evasend/wagateway/internal/route"
)

const defaultMaxBodySize = 2 << 20

// tokenHeader carries the tenant credential on every inbound request.
const tokenHeader = "token"

// Handler is the gateway's main http.Handler.
type Handler struct {
	validator *auth.Validator
	limiter   *ratelimit.Limiter
	upstreams *proxy.Upstreams
	audit     *audit.Logger
	metrics   *observability.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer

	maxBodySize int64
	verbose     atomic.Bool
}

// New creates the gateway handler.
func New(
	validator *auth.Validator,
	limiter *ratelimit.Limiter,
	upstreams *proxy.Upstreams,
	auditLog *audit.Logger,
	metrics *observability.Metrics,
	cfg *config.Config,
	logger *slog.Logger,
) *Handler {
	maxBody := cfg.Upstream.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}
	h := &Handler{
		validator:   validator,
		limiter:     limiter,
		upstreams:   upstreams,
		audit:       auditLog,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("wagateway/gateway"),
		maxBodySize: maxBody,
	}
	h.verbose.Store(cfg.Logging.Verbose())
	return h
}

// Reload applies hot-reloadable settings from a new config.
func (h *Handler) Reload(cfg *config.Config) {
	h.limiter.SetLimit(cfg.RateLimit.PerMinute)
	h.verbose.Store(cfg.Logging.Verbose())
}

// ServeHTTP runs the full pipeline. Any panic downstream is converted into a
// JSON 500 so callers never see an empty reply.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic in request pipeline",
				"panic", fmt.Sprint(rec), "path", r.URL.Path, "method", r.Method)
			msg := "Internal server error"
			if h.verbose.Load() {
				msg = fmt.Sprintf("Internal server error: %v", rec)
			}
			if !sw.written {
				writeJSONError(sw, http.StatusInternalServerError, msg)
			}
		}
		h.metrics.PromRequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())
	}()

	if r.Method == http.MethodOptions {
		preflight(sw)
		return
	}
	sw.Header().Set("Access-Control-Allow-Origin", "*")

	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		sw.Header().Set("Allow", "GET, POST, PUT, DELETE, OPTIONS")
		writeJSONError(sw, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	token := r.Header.Get(tokenHeader)
	if token == "" {
		writeJSONError(sw, http.StatusUnauthorized, "Token is required in header")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "gateway.validate")
	inst, err := h.validator.Validate(ctx, token)
	span.End()
	if err != nil {
		h.writeValidationError(sw, err)
		return
	}

	ip := ratelimit.ClientIP(r)
	ctx, span = h.tracer.Start(ctx, "gateway.ratelimit")
	decision := h.limiter.Check(ctx, ip, token)
	span.End()

	now := time.Now()
	sw.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	sw.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	sw.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.UnixMilli(), 10))

	if decision.Degraded {
		h.metrics.IncStoreErrors()
		h.metrics.IncFailOpen()
	}
	if !decision.Allowed {
		h.metrics.IncLimited()
		sw.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfter(now), 10))
		writeJSONError(sw, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}
	h.metrics.IncAllowed()
	h.metrics.ObserveRemaining(decision.Remaining)

	path := route.Normalize(r.URL.Path)
	ep, ok := route.Resolve(path)
	if !ok {
		writeJSON(sw, http.StatusNotFound, map[string]any{
			"error":               "Endpoint not found",
			"available_endpoints": route.AllowList(),
		})
		return
	}

	var body []byte
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		r.Body = http.MaxBytesReader(sw, r.Body, h.maxBodySize)
		body, err = io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeJSONError(sw, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeJSONError(sw, http.StatusBadRequest, "Failed to read request body")
			return
		}

		fields := map[string]any{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &fields); err != nil {
				writeJSONError(sw, http.StatusBadRequest, "Invalid JSON body")
				return
			}
		}
		if msg := ep.ValidateBody(fields); msg != "" {
			writeJSONError(sw, http.StatusBadRequest, msg)
			return
		}
	}

	ctx, span = h.tracer.Start(ctx, "gateway.proxy",
		trace.WithAttributes(
			attribute.String("endpoint", ep.Path),
			attribute.String("destination", ep.Destination.String()),
		))
	upstreamStart := time.Now()
	outcome, err := h.upstreams.Do(ctx, ep, r.Method, body, token, inst)
	h.metrics.PromUpstreamDuration.
		WithLabelValues(ep.Destination.String()).
		Observe(time.Since(upstreamStart).Seconds())
	span.End()
	if err != nil {
		h.logger.Error("upstream request failed",
			"endpoint", ep.Path, "destination", ep.Destination.String(), "error", err)
		msg := "Upstream request failed"
		if h.verbose.Load() {
			msg = fmt.Sprintf("Upstream request failed: %v", err)
		}
		writeJSONError(sw, http.StatusInternalServerError, msg)
		return
	}

	shaped := h.upstreams.Shape(ep, outcome)

	contentType := "application/json"
	if !outcome.JSON && outcome.Status != http.StatusNotFound && outcome.ContentType != "" {
		contentType = outcome.ContentType
	}
	sw.Header().Set("Content-Type", contentType)
	sw.WriteHeader(outcome.Status)
	_, _ = sw.Write(shaped)

	h.recordAudit(r, ep, outcome, inst, ip, start)
}

// recordAudit emits exactly one audit record for a completed upstream
// exchange. Pre-upstream rejections never reach here.
func (h *Handler) recordAudit(r *http.Request, ep *route.Endpoint, outcome *proxy.Outcome, inst *auth.Instance, ip string, start time.Time) {
	success := outcome.Status < 400

	var errMsg string
	if !success && outcome.JSON {
		errMsg, _ = outcome.Fields["error"].(string)
	}

	h.audit.Log(r.Context(), audit.Record{
		Endpoint:      ep.Path,
		Method:        r.Method,
		StatusCode:    outcome.Status,
		LatencyMS:     time.Since(start).Milliseconds(),
		Success:       success,
		UserID:        inst.UserID,
		InstanceID:    inst.ID,
		ErrorMessage:  errMsg,
		RequestOrigin: r.Header.Get("Origin"),
		IPAddress:     ip,
	})
}

// writeValidationError maps validator errors onto caller-facing responses.
func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	var notConnected *auth.NotConnectedError
	var storeErr *auth.StoreError

	switch {
	case errors.Is(err, auth.ErrEmptyToken):
		h.metrics.IncAuthDenied()
		writeJSONError(w, http.StatusUnauthorized, "Token is empty")
	case errors.Is(err, auth.ErrNotFound):
		h.metrics.IncAuthDenied()
		writeJSONError(w, http.StatusUnauthorized, "Token not found")
	case errors.As(err, &notConnected):
		h.metrics.IncAuthDenied()
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":       "Instance not connected",
			"status":      notConnected.Status,
			"instance_id": notConnected.InstanceID,
		})
	case errors.Is(err, auth.ErrPolicyDenied):
		// The store rejected the gateway's own credentials. Usually a row
		// access policy misconfiguration on the instances table; the caller
		// still gets a plain auth failure.
		h.metrics.IncAuthErrors()
		h.logger.Warn("credential store rejected gateway credentials, check store access policy", "error", err)
		writeJSONError(w, http.StatusUnauthorized, "Token validation failed")
	case errors.Is(err, auth.ErrTimeout):
		h.metrics.IncAuthErrors()
		writeJSONError(w, http.StatusGatewayTimeout, "Validation timeout")
	case errors.As(err, &storeErr):
		h.metrics.IncAuthErrors()
		h.logger.Error("credential store error", "status", storeErr.Status, "error", storeErr)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":        "Database error",
			"store_status": storeErr.Status,
		})
	default:
		h.metrics.IncAuthErrors()
		h.logger.Error("credential validation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Database error")
	}
}

// preflight answers an OPTIONS request without touching auth or upstreams.
func preflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, token")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

// writeJSON writes an arbitrary JSON response body.
func writeJSON(w http.ResponseWriter, code int, body any) {
	data, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// writeJSONError writes a structured JSON error response.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusWriter captures the HTTP status code written by the pipeline so the
// duration metric and the panic recovery path can see it.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
