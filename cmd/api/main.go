package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-sale-settlement/config"
	httpHandler "token-sale-settlement/internal/adapter/http/handler"
	"token-sale-settlement/internal/adapter/http/middleware"
	"token-sale-settlement/internal/adapter/paymentbackend"
	"token-sale-settlement/internal/adapter/settlementbackend"
	pgStorage "token-sale-settlement/internal/adapter/storage/postgres"
	redisStorage "token-sale-settlement/internal/adapter/storage/redis"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/internal/metrics"
	"token-sale-settlement/internal/service"
	"token-sale-settlement/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("network", cfg.Settlement.Network).
		Msg("Starting Token Sale Settlement")

	ctx := context.Background()

	saleLocation, err := cfg.Sale.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid sale timezone")
	}

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(registry)
	}

	// Initialize repositories
	txRepo := pgStorage.NewTransactionRepo(pool)
	tokenRepo := pgStorage.NewTokenRepo(pool)
	webhookEventRepo := pgStorage.NewWebhookEventRepo(pool)
	auditRepo := pgStorage.NewAuditRepository(pool)

	// Initialize Redis stores
	nonceStore := redisStorage.NewNonceStore(rdb)
	webhookCache := redisStorage.NewWebhookEventCache(rdb)
	var rateLimitStore *redisStorage.RateLimitStore
	if cfg.RateLimit.Enabled {
		rateLimitStore = redisStorage.NewRateLimitStore(rdb)
	}

	// Token catalog
	if _, err := service.SeedTokens(ctx, tokenRepo, cfg.Sale.Tokens, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed token catalog")
	}

	// External backends
	sigSvc := service.NewHMACSignatureService()
	payments := paymentbackend.NewClient(cfg.Payment, sigSvc, nil)
	ledger := settlementbackend.NewClient(cfg.Settlement, nil)

	// Initialize core services
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	addresses := service.NewStellarAddressValidator()
	limits := service.NewSpendingLimitService(tokenRepo, txRepo, saleLocation)
	auditSvc := service.NewAuditService(auditRepo, logger.Component(log, "audit"))

	queue := service.NewSettlementQueue(cfg.Settlement.QueueSize, cfg.Settlement.Workers, m, logger.Component(log, "settlement_queue"))
	settlementSvc := service.NewSettlementService(
		txRepo,
		tokenRepo,
		ledger,
		addresses,
		queue,
		cfg.Settlement.TransferTimeout,
		m,
		logger.Component(log, "settlement_worker"),
	)
	intentSvc := service.NewIntentService(tokenRepo, txRepo, limits, addresses, payments, m, logger.Component(log, "intent_service"))
	ingestor := service.NewWebhookIngestor(payments, webhookEventRepo, webhookCache, txRepo, queue, m, logger.Component(log, "webhook_ingestor"))
	reconciler := service.NewReconciler(cfg.Reconcile, txRepo, ledger, settlementSvc, queue, nonceStore, m, logger.Component(log, "reconciler"))

	// Settlement workers outlive request contexts; they stop on workerCancel.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	queue.Start(workerCtx, settlementSvc.Settle)

	if n, err := reconciler.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to re-enqueue processing transactions")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Re-enqueued processing transactions")
	}
	reconcileCtx, reconcileCancel := context.WithCancel(context.Background())
	defer reconcileCancel()
	go reconciler.Run(reconcileCtx)

	// Health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	gin.SetMode(cfg.Server.Mode)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	// Setup Gin router with all routes
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		IntentSvc:       intentSvc,
		WebhookIngestor: ingestor,
		SettlementSvc:   settlementSvc,
		SigSvc:          sigSvc,
		NonceStore:      nonceStore,
		TokenSvc:        tokenSvc,
		Operator: middleware.OperatorCredentials{
			AccessKey: cfg.Operator.AccessKey,
			SecretKey: cfg.Operator.SecretKey,
		},
		RateLimitStore: rateLimitStore,
		RateLimitRules: map[string]middleware.RateLimitRule{
			middleware.GroupPurchaseIntents: {Limit: cfg.RateLimit.IntentsLimit, Window: cfg.RateLimit.IntentsWindow},
			middleware.GroupOperator:        {Limit: cfg.RateLimit.OperatorLimit, Window: cfg.RateLimit.OperatorWindow},
		},
		HealthCheckers:  []ports.HealthChecker{pgHealth, redisHealth},
		AuditSvc:        auditSvc,
		Metrics:         m,
		MetricsGatherer: registry,
		MetricsPath:     metricsPath,
		Logger:          log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	reconcileCancel()

	// Drain queued settlements. Jobs still waiting when the deadline passes
	// stay in processing and are picked up by Recover on the next start.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Settlement.ShutdownTimeout)
	defer drainCancel()
	if err := queue.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Int("backlog", queue.Backlog()).Msg("Settlement queue did not drain before deadline")
	}
	workerCancel()

	log.Info().Msg("Server exited")
}
