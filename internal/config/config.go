package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ModelLimit is the upstream-advertised ceiling for one model family.
type ModelLimit struct {
	InputTokensPerMinute int
	RequestsPerMinute    int
}

type Config struct {
	ServerPort         string
	UpstreamURL        string
	UpstreamCredential string
	AnthropicVersion   string

	SafetyFactor        float64
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryJitterFraction float64

	MaxConcurrent    int
	DailyTokenBudget int64
	MaxRequestWait   time.Duration
	LLMTimeout       time.Duration

	// ModelLimits is keyed by family label; FamilyPatterns maps model-name
	// substrings to family labels, checked in order.
	ModelLimits    map[string]ModelLimit
	FamilyPatterns []FamilyPattern

	// ForbiddenModels maps a model-name substring to the fallback model
	// sent upstream instead.
	ForbiddenModels []ForbiddenModel

	TenantHeader   string
	TenantRPMLimit int

	RedisAddr     string
	RedisPassword string

	AWSRegion      string
	UsageTableName string
}

type FamilyPattern struct {
	Substring string
	Family    string
}

type ForbiddenModel struct {
	Substring string
	Fallback  string
}

// DefaultFamily is used for model names matching no configured pattern.
const DefaultFamily = "default"

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		UpstreamURL:        os.Getenv("UPSTREAM_URL"),
		UpstreamCredential: os.Getenv("UPSTREAM_CREDENTIAL"),
		AnthropicVersion:   getEnv("ANTHROPIC_VERSION", "2023-06-01"),

		SafetyFactor:        getEnvFloat("SAFETY_FACTOR", 0.75),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:      time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 500)) * time.Millisecond,
		RetryMaxDelay:       time.Duration(getEnvInt("RETRY_MAX_DELAY_MS", 30000)) * time.Millisecond,
		RetryJitterFraction: getEnvFloat("RETRY_JITTER", 0.25),

		MaxConcurrent:    getEnvInt("MAX_CONCURRENT", 5),
		DailyTokenBudget: int64(getEnvInt("DAILY_TOKEN_BUDGET_PER_TENANT", 500000)),
		MaxRequestWait:   time.Duration(getEnvInt("MAX_REQUEST_WAIT_MILLIS", 60000)) * time.Millisecond,
		LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 120*time.Second),

		TenantHeader:   getEnv("TENANT_HEADER", "x-instance-id"),
		TenantRPMLimit: getEnvInt("TENANT_RPM_LIMIT", 120),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		UsageTableName: os.Getenv("USAGE_TABLE_NAME"),
	}

	if cfg.UpstreamURL == "" {
		return nil, fmt.Errorf("UPSTREAM_URL is required")
	}
	if cfg.UpstreamCredential == "" {
		return nil, fmt.Errorf("UPSTREAM_CREDENTIAL is required")
	}
	if cfg.SafetyFactor <= 0 || cfg.SafetyFactor > 1 {
		return nil, fmt.Errorf("SAFETY_FACTOR must be in (0, 1], got %v", cfg.SafetyFactor)
	}

	limits, patterns, err := ParseModelLimits(getEnv("MODEL_LIMITS", "opus=30000:30,sonnet=80000:60,default=50000:50"))
	if err != nil {
		return nil, fmt.Errorf("MODEL_LIMITS: %w", err)
	}
	cfg.ModelLimits = limits
	cfg.FamilyPatterns = patterns

	forbidden, err := ParseForbiddenModels(os.Getenv("FORBIDDEN_MODELS"))
	if err != nil {
		return nil, fmt.Errorf("FORBIDDEN_MODELS: %w", err)
	}
	cfg.ForbiddenModels = forbidden

	return cfg, nil
}

// ParseModelLimits parses the compact form "opus=30000:30,sonnet=80000:60".
// Each entry is family=inputTokensPerMinute:requestsPerMinute. Entry order
// doubles as the substring-match order for family identification.
func ParseModelLimits(s string) (map[string]ModelLimit, []FamilyPattern, error) {
	limits := make(map[string]ModelLimit)
	var patterns []FamilyPattern

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		family, spec, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, nil, fmt.Errorf("invalid entry %q", entry)
		}
		tpmStr, rpmStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, nil, fmt.Errorf("invalid entry %q", entry)
		}
		tpm, err := strconv.Atoi(strings.TrimSpace(tpmStr))
		if err != nil || tpm <= 0 {
			return nil, nil, fmt.Errorf("invalid tokens-per-minute in %q", entry)
		}
		rpm, err := strconv.Atoi(strings.TrimSpace(rpmStr))
		if err != nil || rpm <= 0 {
			return nil, nil, fmt.Errorf("invalid requests-per-minute in %q", entry)
		}
		family = strings.TrimSpace(family)
		limits[family] = ModelLimit{InputTokensPerMinute: tpm, RequestsPerMinute: rpm}
		if family != DefaultFamily {
			patterns = append(patterns, FamilyPattern{Substring: family, Family: family})
		}
	}
	if len(limits) == 0 {
		return nil, nil, fmt.Errorf("no model limits configured")
	}
	if _, ok := limits[DefaultFamily]; !ok {
		return nil, nil, fmt.Errorf("a %q family entry is required", DefaultFamily)
	}
	return limits, patterns, nil
}

// ParseForbiddenModels parses "opus->claude-sonnet-4-20250514" entries
// separated by commas. An empty string means no downgrades.
func ParseForbiddenModels(s string) ([]ForbiddenModel, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []ForbiddenModel
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pattern, fallback, ok := strings.Cut(entry, "->")
		if !ok {
			return nil, fmt.Errorf("invalid entry %q, want pattern->fallback", entry)
		}
		pattern = strings.TrimSpace(pattern)
		fallback = strings.TrimSpace(fallback)
		if pattern == "" || fallback == "" {
			return nil, fmt.Errorf("invalid entry %q", entry)
		}
		out = append(out, ForbiddenModel{Substring: pattern, Fallback: fallback})
	}
	return out, nil
}

// FamilyFor resolves a model name to its rate-limit family by ordered
// substring match, falling back to the default family.
func (c *Config) FamilyFor(model string) string {
	lower := strings.ToLower(model)
	for _, p := range c.FamilyPatterns {
		if strings.Contains(lower, p.Substring) {
			return p.Family
		}
	}
	return DefaultFamily
}

// FallbackFor returns the replacement model when the requested model is
// forbidden, and whether a downgrade applies.
func (c *Config) FallbackFor(model string) (string, bool) {
	lower := strings.ToLower(model)
	for _, f := range c.ForbiddenModels {
		if strings.Contains(lower, f.Substring) {
			return f.Fallback, true
		}
	}
	return "", false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
