// Package proxy implements the per-request pipeline: validate, estimate,
// downgrade forbidden models, admit against the rolling budget, bound
// concurrency, call upstream with retries, reconcile actual usage.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/anthropic-proxy/internal/config"
	"github.com/user/anthropic-proxy/internal/estimator"
	"github.com/user/anthropic-proxy/internal/middleware"
	"github.com/user/anthropic-proxy/internal/ratelimit"
	"github.com/user/anthropic-proxy/internal/store"
	"github.com/user/anthropic-proxy/internal/upstream"
)

const maxBodyBytes = 10 * 1024 * 1024

// messagesRequest is the subset of the upstream wire format the proxy
// inspects. The full body is forwarded as received (model aside).
type messagesRequest struct {
	Model    string              `json:"model"`
	System   json.RawMessage     `json:"system"`
	Messages []estimator.Message `json:"messages"`
}

type Handler struct {
	cfg        *config.Config
	admission  *ratelimit.Admission
	gate       *ratelimit.Gate
	caller     *upstream.Caller
	usageStore store.UsageStore
	wg         sync.WaitGroup
}

func NewHandler(cfg *config.Config, admission *ratelimit.Admission, gate *ratelimit.Gate, caller *upstream.Caller, usageStore store.UsageStore) *Handler {
	return &Handler{
		cfg:        cfg,
		admission:  admission,
		gate:       gate,
		caller:     caller,
		usageStore: usageStore,
	}
}

// Shutdown waits for async usage writers to drain.
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errorBody(errType, message string, extra gin.H) gin.H {
	inner := gin.H{"type": errType, "message": message}
	for k, v := range extra {
		inner[k] = v
	}
	return gin.H{"type": "error", "error": inner}
}

func (h *Handler) CreateMessage(c *gin.Context) {
	start := time.Now()
	tenantID := c.GetString("tenant_id")
	requestID := c.GetString("request_id")
	logger := slog.With("tenant_id", tenantID, "request_id", requestID)

	// Hard limit to prevent OOM on hostile bodies.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			logger.Warn("Request body too large")
			c.JSON(http.StatusRequestEntityTooLarge, errorBody("invalid_request_error", "request body too large (limit: 10MB)", nil))
			return
		}
		logger.Error("Failed to read body", "error", err)
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "failed to read request body", nil))
		return
	}

	var req messagesRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		logger.Warn("Invalid JSON body", "error", err)
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "invalid JSON body", nil))
		return
	}
	if req.Model == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "model is required", nil))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request_error", "messages must not be empty", nil))
		return
	}

	estimated := estimator.EstimateTokens(systemText(req.System), req.Messages)

	// Forbidden models are rewritten to their configured fallback before
	// any accounting, so the reservation lands in the right family window.
	model := req.Model
	downgradedFrom := ""
	if fallback, ok := h.cfg.FallbackFor(model); ok {
		logger.Info("Downgrading forbidden model", "from", model, "to", fallback)
		middleware.RecordDowngrade(model, fallback)
		downgradedFrom = model
		model = fallback
		bodyBytes, err = rewriteModel(bodyBytes, fallback)
		if err != nil {
			logger.Error("Failed to rewrite model", "error", err)
			c.JSON(http.StatusInternalServerError, errorBody("api_error", "internal proxy error", gin.H{"request_id": requestID}))
			return
		}
	}
	family := h.cfg.FamilyFor(model)
	c.Set("model", model)
	logger = logger.With("model", model, "family", family)

	// The deadline is computed once at entry and governs both the admission
	// wait and the retry loop of the upstream call.
	deadline := start.Add(h.cfg.MaxRequestWait)
	ctx := c.Request.Context()

	admitStart := time.Now()
	res := h.admission.Admit(ctx, family, tenantID, estimated, deadline)
	middleware.RecordAdmissionWait(family, res.Outcome.String(), time.Since(admitStart).Seconds())

	switch res.Outcome {
	case ratelimit.RejectedQuotaExceeded:
		logger.Warn("Tenant daily quota exceeded", "used_today", res.UsedToday, "daily_limit", res.DailyLimit)
		c.JSON(http.StatusTooManyRequests, errorBody("rate_limit_error", "daily token quota exceeded for tenant", gin.H{
			"used_today":  res.UsedToday,
			"daily_limit": res.DailyLimit,
		}))
		return
	case ratelimit.RejectedTimeout:
		if ctx.Err() != nil {
			logger.Info("Client disconnected during admission wait")
			c.Abort()
			return
		}
		logger.Warn("Admission deadline exceeded", "estimated_tokens", estimated)
		c.JSON(http.StatusTooManyRequests, errorBody("rate_limit_error", "rate limit admission timed out; retry later", gin.H{
			"estimated_tokens": estimated,
		}))
		return
	}

	if err := h.gate.Acquire(ctx); err != nil {
		// Reservation stands; the window self-corrects as it ages out.
		logger.Info("Client disconnected waiting for concurrency permit")
		c.Abort()
		return
	}
	defer h.gate.Release()

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resp, err := h.caller.Call(callCtx, bodyBytes, c.Request.Header)
	if err != nil {
		logger.Error("Upstream provider failed after retries", "error", err)
		c.JSON(http.StatusBadGateway, errorBody("api_error", "upstream provider failed", gin.H{"request_id": requestID}))
		return
	}

	latency := time.Since(start)
	logger.Info("Proxy request completed", "status", resp.StatusCode, "attempts", resp.Attempts, "latency_ms", latency.Milliseconds())
	middleware.RecordRetries(family, resp.Attempts-1)

	switch {
	case resp.StatusCode >= 500:
		c.JSON(http.StatusBadGateway, errorBody("api_error", "upstream provider error", gin.H{
			"upstream_status": resp.StatusCode,
			"request_id":      requestID,
		}))
		return
	case resp.StatusCode >= 400:
		// Rate-limit responses that survived retries, and permanent 4xx:
		// forwarded with the provider body untouched.
		forward(c, resp)
		return
	}

	h.admission.Reconcile(family, tenantID, estimated, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	middleware.RecordTokenUsage(tenantID, family, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	respBody := resp.Body
	if downgradedFrom != "" {
		c.Header("x-proxy-downgraded-from", downgradedFrom)
		respBody = annotateDowngrade(respBody, downgradedFrom, model)
	}

	h.wg.Add(1)
	go func(rec store.UsageRecord) {
		defer h.wg.Done()
		for i := 0; i < 3; i++ {
			if err := h.usageStore.LogUsage(context.Background(), &rec); err != nil {
				slog.Error("Failed to log usage, retrying", "attempt", i+1, "error", err)
				time.Sleep(time.Duration(100*(i+1)) * time.Millisecond)
				continue
			}
			break
		}
	}(store.UsageRecord{
		TenantID:        tenantID,
		Timestamp:       start.UTC().Format(time.RFC3339Nano),
		RequestID:       requestID,
		Model:           model,
		Family:          family,
		EstimatedTokens: estimated,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		StatusCode:      resp.StatusCode,
		Downgraded:      downgradedFrom != "",
	})

	forwardWithBody(c, resp, respBody)
}

func forward(c *gin.Context, resp *upstream.Response) {
	forwardWithBody(c, resp, resp.Body)
}

func forwardWithBody(c *gin.Context, resp *upstream.Response, body []byte) {
	for k, vv := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vv {
			c.Header(k, v)
		}
	}
	c.Header("Content-Length", "")
	c.Status(resp.StatusCode)
	c.Writer.Write(body)
}

// systemText extracts the system prompt for estimation. A non-string
// system (content-block form) is measured over its JSON serialization.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// rewriteModel replaces the model field in the forwarded body, leaving all
// other fields as received.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = enc
	return json.Marshal(m)
}

// annotateDowngrade adds downgrade metadata to a successful response body.
// If the body is not a JSON object it is returned unchanged.
func annotateDowngrade(body []byte, from, to string) []byte {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	meta, err := json.Marshal(gin.H{"original_model": from, "served_model": to})
	if err != nil {
		return body
	}
	m["proxy_downgrade"] = meta
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}
