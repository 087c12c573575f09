package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/anthropic-proxy/internal/config"
	"github.com/user/anthropic-proxy/internal/middleware"
	"github.com/user/anthropic-proxy/internal/proxy"
	"github.com/user/anthropic-proxy/internal/ratelimit"
	"github.com/user/anthropic-proxy/internal/stats"
	"github.com/user/anthropic-proxy/internal/store"
	"github.com/user/anthropic-proxy/internal/telemetry"
	"github.com/user/anthropic-proxy/internal/upstream"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	// Initialize Structured Logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Gin
	r := gin.Default()

	// Rate-limit core: rolling windows, tenant ledger, admission, gate
	accountant := ratelimit.NewAccountant()
	ledger := ratelimit.NewLedger()
	limits := ratelimit.DeriveLimits(cfg.ModelLimits, cfg.SafetyFactor)
	admission := ratelimit.NewAdmission(accountant, ledger, limits, cfg.DailyTokenBudget)
	gate := ratelimit.NewGate(cfg.MaxConcurrent)

	// Per-tenant RPM guard: Redis when configured, in-memory otherwise
	var rlStore store.RateLimitStore
	if cfg.RedisAddr != "" {
		rlStore = store.NewRedisRateLimitStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		rlStore = store.NewMemoryRateLimitStore()
	}

	// Usage archive: DynamoDB when a table is configured
	var usageStore store.UsageStore = store.NopUsageStore{}
	if cfg.UsageTableName != "" {
		ds, err := store.NewDynamoDBUsageStore(context.Background(), cfg.AWSRegion, cfg.UsageTableName)
		if err != nil {
			log.Fatalf("Failed to init Usage Store: %v", err)
		}
		usageStore = ds
	}

	// Initialize Telemetry (OpenTelemetry)
	tpShutdown, err := telemetry.InitTracer()
	if err != nil {
		slog.Error("Failed to init telemetry", "error", err)
		// Don't fatal, just log
	} else {
		defer func() {
			if err := tpShutdown(context.Background()); err != nil {
				slog.Error("Failed to shutdown telemetry", "error", err)
			}
		}()
	}

	// Upstream caller with retry policy
	caller := upstream.NewCaller(cfg.UpstreamURL, cfg.UpstreamCredential, cfg.AnthropicVersion, cfg.LLMTimeout, upstream.RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		JitterFraction: cfg.RetryJitterFraction,
	})

	// Initialize Handlers
	proxyHandler := proxy.NewHandler(cfg, admission, gate, caller, usageStore)
	statsHandler := stats.NewHandler(cfg, accountant, ledger, admission, gate, limits)

	// Register Middleware
	r.Use(otelgin.Middleware("anthropic-proxy"))
	r.Use(middleware.MetricsMiddleware()) // Prometheus Metrics (ahead of the tenant and rate-limit guards, so their rejections are counted)
	r.Use(middleware.TenantMiddleware(cfg.TenantHeader))
	r.Use(middleware.RateLimitMiddleware(rlStore, cfg.TenantRPMLimit))

	// Routes
	r.POST("/v1/messages", proxyHandler.CreateMessage)
	r.GET("/stats", statsHandler.GetStats)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	// Metrics Endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Graceful Shutdown Setup
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// Start Server in Goroutine
	go func() {
		slog.Info("Starting server", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server init failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for Interrupt Signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// Context with 10s timeout for active requests and cleanup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Wait for async tasks (Usage Logs)
	slog.Info("Waiting for async tasks to complete...")
	if err := proxyHandler.Shutdown(ctx); err != nil {
		slog.Error("Failed to complete async tasks", "error", err)
	}

	slog.Info("Server exiting")
}
