package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/audit"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/auth"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/breaker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/broker"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/config"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/database"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/health"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/reconcile"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/scheduler"
	"github.com/LeeeWayyy/trading-platform-sub010/internal/trading"
	"github.com/LeeeWayyy/trading-platform-sub010/pkg/middleware"

	"github.com/gin-gonic/gin"
)

func initLogging(cfg config.Logging) {
	if cfg.Pretty && os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// selectBroker builds the broker stack from configuration: the concrete
// adapter wrapped by the submission dedup cache and the bounded worker
// pool. Order matters, dedup sits inside the pool so a cache hit never
// consumes a worker.
func selectBroker(cfg config.Broker) (broker.Broker, *broker.Pool, *broker.DedupCache) {
	var base broker.Broker
	switch cfg.Name {
	case "alpaca":
		base = broker.NewAlpacaBroker(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.CallTimeout.Std())
	default:
		base = broker.NewMockBroker()
	}

	cache := broker.NewDedupCache(cfg.DedupTTL.Std())
	pool := broker.NewPool(cfg.PoolWorkers, cfg.PoolQueueSize)
	return broker.WithPool(broker.WithDedup(base, cache), pool), pool, cache
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	initLogging(cfg.Logging)

	db, err := database.NewDatabase(cfg.Storage.SQLitePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to migrate database")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Audit trail must exist before the breaker so every breaker
	// transition is recorded from the first moment.
	recorder := audit.NewRecorder(audit.NewDatabaseSink(db), 1024)
	go recorder.StartFlusher(rootCtx, 30*time.Second)

	breakerService := breaker.NewService(db, recorder, cfg.Breaker.EngageCooldown.Std())
	go breakerService.StartRefresher(rootCtx, 5*time.Second)
	breakerHandlers := breaker.NewGinHandlers(breakerService)

	tradeBroker, pool, cache := selectBroker(cfg.Broker)
	defer cache.Close()
	zlog.Info().Str("broker", tradeBroker.Name()).Msg("Broker adapter initialized")

	reconciler := reconcile.NewService(db, tradeBroker, breakerService, reconcile.Config{
		Interval:         cfg.Reconcile.Interval.Std(),
		Jitter:           cfg.Reconcile.Jitter.Std(),
		StartupAttempts:  cfg.Reconcile.StartupAttempts,
		StartupBaseDelay: cfg.Reconcile.StartupBaseDelay.Std(),
		FailureThreshold: cfg.Reconcile.FailureThreshold,
	})

	schedulerService := scheduler.NewService(db, tradeBroker, breakerService, reconciler, scheduler.Config{
		RetryAttempts:  cfg.Broker.RetryAttempts,
		RetryBaseDelay: cfg.Broker.RetryBaseDelay.Std(),
	})
	schedulerService.Start(rootCtx)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Bootstrap operator credentials; a deployment replaces these with its
	// secrets store. Two distinct operators are needed for dual-control
	// disengage.
	authService.RegisterOperator("ops-key-1", "ops-secret-1", "operator-1")
	authService.RegisterOperator("ops-key-2", "ops-secret-2", "operator-2")
	authService.RegisterOperator("risk-key", "risk-secret", "risk-module")

	tradingService := trading.NewService(db, tradeBroker, breakerService, reconciler, schedulerService, trading.Config{
		MaxSlices:      cfg.Scheduler.MaxSlices,
		DefaultWindow:  cfg.Scheduler.DefaultWindow.Std(),
		RetryAttempts:  cfg.Broker.RetryAttempts,
		RetryBaseDelay: cfg.Broker.RetryBaseDelay.Std(),
	})
	tradingHandlers := trading.NewGinHandlers(tradingService)

	healthHandlers := health.NewGinHandlers(breakerService, reconciler, schedulerService, pool)

	// Startup reconciliation gates everything: intake stays closed and
	// zombie recovery does not run until one run succeeds against the
	// broker. Failure trips the breaker; the server still serves health
	// and kill-switch endpoints so operators can see and act.
	go func() {
		if err := reconciler.RunStartup(rootCtx); err != nil {
			zlog.Error().Err(err).Msg("Startup reconciliation failed, trading halted")
			return
		}
		if err := schedulerService.Recover(rootCtx); err != nil {
			zlog.Error().Err(err).Msg("Slice recovery failed")
		}
		reconciler.StartPeriodic(rootCtx)
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, authService, authHandlers, tradingHandlers, breakerHandlers, healthHandlers)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Msg("Execution core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop accepting work, then wait for dispatch loops to finish their
	// in-flight broker calls. A call that may have reached the broker is
	// never abandoned mid-flight.
	rootCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	schedulerService.Wait()
	pool.Close()
	recorder.Flush()
	if pending := recorder.PendingCount(); pending > 0 {
		zlog.Warn().Int("pending", pending).Msg("Audit queue not fully flushed at shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints. Order and kill-switch routes
// require operator JWTs; the trip entry point is internal-only; health is
// open.
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	breakerHandlers *breaker.GinHandlers,
	healthHandlers *health.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", middleware.RateLimit(), healthHandlers.HealthHandler())

		// Rate limiting sits after JWTAuth on authenticated groups so the
		// buckets key on the operator identity, not the client IP.
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("/:id", tradingHandlers.GetOrderStatusHandler())
			orders.DELETE("/:id", tradingHandlers.CancelOrderHandler())
		}

		killswitch := v1.Group("/killswitch")
		killswitch.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			killswitch.POST("/engage", breakerHandlers.EngageHandler())
			killswitch.POST("/disengage", breakerHandlers.DisengageHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/trip", breakerHandlers.TripHandler())
		}
	}
}
