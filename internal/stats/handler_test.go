package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/anthropic-proxy/internal/config"
	"github.com/user/anthropic-proxy/internal/ratelimit"
)

func TestGetStats(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limitsCfg, patterns, err := config.ParseModelLimits("opus=30000:30,default=50000:50")
	require.NoError(t, err)
	cfg := &config.Config{
		SafetyFactor:     0.75,
		DailyTokenBudget: 500000,
		MaxRequestWait:   60 * time.Second,
		MaxRetries:       3,
		ModelLimits:      limitsCfg,
		FamilyPatterns:   patterns,
	}

	accountant := ratelimit.NewAccountant()
	ledger := ratelimit.NewLedger()
	limits := ratelimit.DeriveLimits(cfg.ModelLimits, cfg.SafetyFactor)
	admission := ratelimit.NewAdmission(accountant, ledger, limits, cfg.DailyTokenBudget)
	gate := ratelimit.NewGate(5)

	accountant.Record("opus", 21, 0, "t1")
	accountant.RecordDelta("opus", 0, 7, "t1")
	ledger.Add("t1", 21, 7)

	h := NewHandler(cfg, accountant, ledger, admission, gate, limits)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/stats", nil)

	h.GetStats(c)
	require.Equal(t, http.StatusOK, w.Code)

	var snap struct {
		Timestamp string `json:"timestamp"`
		Proxy     struct {
			ActiveRequests int64 `json:"active_requests"`
			Queued         int64 `json:"queued"`
			MaxConcurrent  int64 `json:"max_concurrent"`
		} `json:"proxy"`
		PerFamily map[string]struct {
			InputTokensUsed          int `json:"input_tokens_used"`
			OutputTokensUsed         int `json:"output_tokens_used"`
			RequestsUsed             int `json:"requests_used"`
			SafeInputTokensPerMinute int `json:"safe_input_tokens_per_minute"`
		} `json:"per_family"`
		PerTenant map[string]struct {
			InputTokens   int64 `json:"input_tokens"`
			QuotaLeft     int64 `json:"quota_remaining"`
			RequestCount  int64 `json:"request_count"`
			OutputTokens  int64 `json:"output_tokens"`
		} `json:"per_tenant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))

	assert.NotEmpty(t, snap.Timestamp)
	assert.Equal(t, int64(0), snap.Proxy.ActiveRequests)
	assert.Equal(t, int64(5), snap.Proxy.MaxConcurrent)

	opus := snap.PerFamily["opus"]
	assert.Equal(t, 21, opus.InputTokensUsed)
	assert.Equal(t, 7, opus.OutputTokensUsed)
	assert.Equal(t, 1, opus.RequestsUsed)
	assert.Equal(t, 22500, opus.SafeInputTokensPerMinute)

	tenant := snap.PerTenant["t1"]
	assert.Equal(t, int64(21), tenant.InputTokens)
	assert.Equal(t, int64(500000-21), tenant.QuotaLeft)

	// families with configured limits but no traffic still appear
	_, ok := snap.PerFamily["default"]
	assert.True(t, ok)
}
