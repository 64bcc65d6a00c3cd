// Package main is the entry point for the Governance Engine
// The Governance Engine runs access review campaigns, the privilege
// drift / overprivilege / SoD detectors, and the scheduler that drives
// them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/campaign"
	"github.com/openacr/openacr/internal/common/config"
	"github.com/openacr/openacr/internal/common/database"
	"github.com/openacr/openacr/internal/common/events"
	"github.com/openacr/openacr/internal/common/logger"
	"github.com/openacr/openacr/internal/common/middleware"
	"github.com/openacr/openacr/internal/common/tracing"
	"github.com/openacr/openacr/internal/drift"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
	"github.com/openacr/openacr/internal/orchestrator"
	"github.com/openacr/openacr/internal/overpriv"
	"github.com/openacr/openacr/internal/sod"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Initialize logger
	log := logger.New()
	defer log.Sync()

	log.Info("Starting Governance Engine",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	// Load configuration
	cfg, err := config.Load("governance-engine")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize tracing
	tracingCfg := tracing.ConfigFromEnv("governance-engine", cfg.Environment)
	shutdownTracer, err := tracing.Init(context.Background(), tracingCfg, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background())
	}

	// Initialize database connection
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis connection
	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	// Stores own their schema
	ctx := context.Background()
	entitlementStore := entitlement.NewStore(db, log)
	driftStore := drift.NewStore(db, log)
	overprivStore := overpriv.NewStore(db, log)
	sodStore := sod.NewStore(db, log)
	campaignStore := campaign.NewStore(db, log)
	ledger := orchestrator.NewLedger(db, log)
	for _, init := range []func(context.Context) error{
		entitlementStore.InitSchema,
		driftStore.InitSchema,
		overprivStore.InitSchema,
		sodStore.InitSchema,
		campaignStore.InitSchema,
		ledger.InitSchema,
	} {
		if err := init(ctx); err != nil {
			log.Fatal("Failed to initialize schema", zap.Error(err))
		}
	}

	// Event bus for policy automation consumers
	bus := events.NewMemoryBus()
	defer bus.Close()

	// Downstream clients
	accessLink := entitlement.NewAccessLinkClient(cfg.AccessLinkURL, log)
	notifier := entitlement.NewNotificationClient(cfg.NotificationURL, log)

	// Detectors and campaign engine
	driftDetector := drift.NewDetector(driftStore, entitlementStore, entitlementStore, entitlementStore, bus, log)
	overprivDetector := overpriv.NewDetector(overprivStore, entitlementStore, entitlementStore, cfg.Detectors.OverprivAdminThreshold, log)
	sodEvaluator := sod.NewEvaluator(sodStore, entitlementStore, entitlementStore, bus, log)
	engine := campaign.NewEngine(campaignStore, entitlementStore, entitlementStore, accessLink, notifier, redis.Client, log)

	// Orchestrator
	runner := orchestrator.NewRunner(entitlementStore, ledger, log)
	scheduler := orchestrator.NewScheduler(runner, engine, campaignStore,
		driftDetector, overprivDetector, sodEvaluator, bus,
		cfg.Scheduler, cfg.Campaigns, log)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(bgCtx); err != nil {
			log.Fatal("Failed to start orchestrator", zap.Error(err))
		}
		defer scheduler.Stop()
	} else {
		log.Warn("Orchestrator disabled by configuration")
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("governance-engine"))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.RequestID())
	if cfg.EnableRateLimit {
		router.Use(middleware.RedisRateLimit(redis.Client, cfg.RateLimitRequests,
			time.Duration(cfg.RateLimitWindow)*time.Second, "/health", "/ready", "/metrics"))
	}
	router.Use(metrics.GinMiddleware())

	// Metrics endpoint
	router.GET("/metrics", metrics.Handler())

	// Authenticated API surface
	api := router.Group("/api/v1", middleware.Auth(cfg.JWTSecret))
	adminOnly := middleware.RequireRoles("admin")

	campaign.NewHandler(engine, campaignStore).RegisterRoutes(api)
	drift.NewHandler(driftStore).RegisterRoutes(api)
	overpriv.NewHandler(overprivStore).RegisterRoutes(api)
	sod.NewHandler(sodStore).RegisterRoutes(api, adminOnly)
	orchestrator.NewHandler(runner).RegisterRoutes(api, adminOnly)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "governance-engine",
			"version": Version,
		})
	})

	// Readiness check endpoint
	router.GET("/ready", func(c *gin.Context) {
		status := gin.H{"status": "ready", "postgres": "ok", "redis": "ok"}
		if err := db.Ping(); err != nil {
			status["status"] = "not ready"
			status["postgres"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		if err := redis.Ping(); err != nil {
			status["redis"] = "unhealthy"
		}
		c.JSON(http.StatusOK, status)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
