// Package stats exposes a point-in-time utilization snapshot. Reads go
// through the same public accessors the admission hot path uses, so the
// only contention is the brief per-family prune locks and the ledger lock.
package stats

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/anthropic-proxy/internal/config"
	"github.com/user/anthropic-proxy/internal/ratelimit"
)

type Handler struct {
	cfg        *config.Config
	accountant *ratelimit.Accountant
	ledger     *ratelimit.Ledger
	admission  *ratelimit.Admission
	gate       *ratelimit.Gate
	limits     map[string]ratelimit.Limit
}

func NewHandler(cfg *config.Config, accountant *ratelimit.Accountant, ledger *ratelimit.Ledger, admission *ratelimit.Admission, gate *ratelimit.Gate, limits map[string]ratelimit.Limit) *Handler {
	return &Handler{
		cfg:        cfg,
		accountant: accountant,
		ledger:     ledger,
		admission:  admission,
		gate:       gate,
		limits:     limits,
	}
}

type familyStats struct {
	InputTokensUsed          int `json:"input_tokens_used"`
	OutputTokensUsed         int `json:"output_tokens_used"`
	RequestsUsed             int `json:"requests_used"`
	SafeInputTokensPerMinute int `json:"safe_input_tokens_per_minute"`
	SafeRequestsPerMinute    int `json:"safe_requests_per_minute"`
}

type tenantStats struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	RequestCount int64 `json:"request_count"`
	QuotaLeft    int64 `json:"quota_remaining"`
}

func (h *Handler) GetStats(c *gin.Context) {
	// Configured families always appear; families that saw traffic under
	// the default limits (unrecognized labels) appear once they have a window.
	families := make(map[string]ratelimit.Limit, len(h.limits))
	for family, limit := range h.limits {
		families[family] = limit
	}
	for _, family := range h.accountant.Families() {
		if _, ok := families[family]; !ok {
			families[family] = h.limits[config.DefaultFamily]
		}
	}

	perFamily := make(map[string]familyStats)
	for family, limit := range families {
		usage := h.accountant.CurrentMinute(family)
		perFamily[family] = familyStats{
			InputTokensUsed:          usage.InputTokens,
			OutputTokensUsed:         usage.OutputTokens,
			RequestsUsed:             usage.RequestCount,
			SafeInputTokensPerMinute: limit.SafeInputTokensPerMinute,
			SafeRequestsPerMinute:    limit.SafeRequestsPerMinute,
		}
	}

	perTenant := make(map[string]tenantStats)
	for tenantID, rec := range h.ledger.Tenants() {
		perTenant[tenantID] = tenantStats{
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			RequestCount: rec.RequestCount,
			QuotaLeft:    h.ledger.QuotaRemaining(tenantID, h.cfg.DailyTokenBudget),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"proxy": gin.H{
			"active_requests": h.gate.Active(),
			"queued":          h.admission.Waiting() + h.gate.Waiting(),
			"max_concurrent":  h.gate.Max(),
		},
		"per_family": perFamily,
		"per_tenant": perTenant,
		"config": gin.H{
			"safety_factor":           h.cfg.SafetyFactor,
			"daily_token_budget":      h.cfg.DailyTokenBudget,
			"max_request_wait_millis": h.cfg.MaxRequestWait.Milliseconds(),
			"max_retries":             h.cfg.MaxRetries,
		},
	})
}
