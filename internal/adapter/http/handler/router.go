package handler

import (
	"token-sale-settlement/internal/adapter/http/middleware"
	redisStore "token-sale-settlement/internal/adapter/storage/redis"
	"token-sale-settlement/internal/core/ports"
	"token-sale-settlement/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	IntentSvc       ports.IntentService
	WebhookIngestor ports.WebhookIngestor
	SettlementSvc   ports.SettlementService
	SigSvc          ports.SignatureService
	NonceStore      ports.NonceStore
	TokenSvc        ports.TokenService
	Operator        middleware.OperatorCredentials
	RateLimitStore  *redisStore.RateLimitStore          // nil = rate limiting disabled
	RateLimitRules  map[string]middleware.RateLimitRule // nil = defaults
	HealthCheckers  []ports.HealthChecker
	AuditSvc        ports.AuditService // nil = audit logging disabled
	Metrics         *metrics.Metrics   // nil = HTTP metrics disabled
	MetricsGatherer prometheus.Gatherer
	MetricsPath     string // empty = /metrics not served
	Logger          zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.HTTPMetrics(deps.Metrics, deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Audit logging (after response)
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	// Health check (deep: pings PostgreSQL and Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	if deps.MetricsPath != "" && deps.MetricsGatherer != nil {
		r.GET(deps.MetricsPath, gin.WrapH(promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{})))
	}

	rules := middleware.DefaultRateLimitRules()
	for group, rule := range deps.RateLimitRules {
		if rule.Limit > 0 && rule.Window > 0 {
			rules[group] = rule
		}
	}

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")

	// --- Payment backend notifications (signature verified by the ingestor) ---
	webhookHandler := NewWebhookHandler(deps.WebhookIngestor)
	v1.POST("/payments/webhook", webhookHandler.Receive)

	// --- JWT-authenticated routes (buyers) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger, middleware.RoleBuyer)
	purchaseHandler := NewPurchaseHandler(deps.IntentSvc)
	intents := v1.Group("/purchase-intents", jwtAuth)
	{
		intents.POST("", rl(middleware.GroupPurchaseIntents), purchaseHandler.Create)
		intents.GET("/:ref", purchaseHandler.Get)
	}

	// --- HMAC-authenticated routes (operators) ---
	operatorAuth := middleware.OperatorAuth(deps.Operator, deps.SigSvc, deps.NonceStore, deps.Logger)
	settlementHandler := NewSettlementHandler(deps.SettlementSvc)
	settlement := v1.Group("/settlement", operatorAuth, rl(middleware.GroupOperator))
	{
		settlement.POST("/retry/:ref", settlementHandler.Retry)
		settlement.GET("/transactions", settlementHandler.ListTransactions)
	}

	return r
}
