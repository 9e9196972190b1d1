// Package proxy forwards admitted requests to their destination class and
// shapes the responses that come back: callback URL rewriting, 404 reshaping,
// and verbatim passthrough for non-JSON bodies.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/evasend/wagateway/internal/auth"
	"github.com/evasend/wagateway/internal/config"
	"github.com/evasend/wagateway/internal/route"
)

// maxUpstreamBody bounds upstream response bodies read into memory (8 MiB).
const maxUpstreamBody = 8 << 20

// Outcome is a completed upstream exchange.
type Outcome struct {
	Status      int
	ContentType string
	Body        []byte

	// JSON reports whether Body parsed as a JSON object. Only object bodies
	// participate in rewriting; arrays and scalars pass through untouched.
	JSON   bool
	Fields map[string]any // parsed body when JSON is true
}

// Upstreams dispatches requests to the two destination classes.
type Upstreams struct {
	externalURL string
	functionURL string
	anonKey     string
	rewriter    *Rewriter
	client      *http.Client
	logger      *slog.Logger
}

// NewUpstreams creates the upstream dispatcher. All upstream calls share one
// pooled transport and a hard per-request timeout.
func NewUpstreams(cfg config.UpstreamConfig, anonKey string, logger *slog.Logger) *Upstreams {
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second),
	}

	return &Upstreams{
		externalURL: strings.TrimSuffix(cfg.ExternalURL, "/"),
		functionURL: strings.TrimSuffix(cfg.FunctionURL, "/"),
		anonKey:     anonKey,
		rewriter:    NewRewriter(cfg.RewriteHost, cfg.PublicURL),
		client: &http.Client{
			Transport: transport,
			Timeout:   config.MustParseDuration(cfg.Timeout, 30*time.Second),
		},
		logger: logger,
	}
}

// Do forwards the request to the endpoint's destination and returns the
// upstream outcome. The caller's raw credential goes only to the external
// API class; the function backend gets the gateway's bearer key plus the
// resolved tenant identity.
func (u *Upstreams) Do(ctx context.Context, ep *route.Endpoint, method string, body []byte, token string, inst *auth.Instance) (*Outcome, error) {
	var target string
	if ep.Destination == route.DestExternal {
		target = u.externalURL + ep.Path
	} else {
		target = u.functionURL + ep.Path
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	if ep.Destination == route.DestExternal {
		req.Header.Set("token", token)
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Authorization", "Bearer "+u.anonKey)
		req.Header.Set("X-Instance-ID", inst.ID)
		req.Header.Set("X-User-ID", inst.UserID)
	}
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", ep.Destination, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	u.logger.Debug("upstream call",
		"destination", ep.Destination.String(),
		"endpoint", ep.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	out := &Outcome{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}
	if strings.Contains(out.ContentType, "application/json") {
		var fields map[string]any
		if json.Unmarshal(respBody, &fields) == nil {
			out.JSON = true
			out.Fields = fields
		}
	}
	return out, nil
}

// Shape applies gateway response shaping to an upstream outcome and returns
// the body to relay. Order matters: a 404 is reshaped before any rewrite
// would apply, and non-JSON bodies always pass through verbatim.
func (u *Upstreams) Shape(ep *route.Endpoint, out *Outcome) []byte {
	if out.Status == http.StatusNotFound {
		return ReshapeNotFound(ep, out)
	}

	if !out.JSON {
		if len(out.Body) > 0 {
			u.logger.Debug("upstream returned non-JSON body, passing through",
				"endpoint", ep.Path,
				"content_type", out.ContentType,
				"status", out.Status)
		}
		return out.Body
	}

	if ep.Destination == route.DestExternal {
		return u.rewriter.Rewrite(out)
	}
	return out.Body
}

// ReshapeNotFound converts an upstream 404 into the gateway's own wording so
// callers see which destination class lacked the endpoint rather than a raw
// provider error page. The upstream's own error message, when one parses out
// of the body, is carried along as a detail.
func ReshapeNotFound(ep *route.Endpoint, out *Outcome) []byte {
	if !out.JSON {
		return []byte(`{"error":"Endpoint not found"}`)
	}
	fields := map[string]string{
		"error": fmt.Sprintf("Endpoint not found on %s: %s", ep.Destination, ep.Path),
	}
	if msg := upstreamMessage(out.Fields); msg != "" {
		fields["detail"] = msg
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return []byte(`{"error":"Endpoint not found"}`)
	}
	return body
}

// upstreamMessage pulls a human-readable message out of a parsed upstream
// error body. Providers disagree on the key.
func upstreamMessage(fields map[string]any) string {
	for _, key := range []string{"error", "message", "msg"} {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
