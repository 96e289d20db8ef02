package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/smallbiznis/creditledger/internal/apikey"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	"github.com/smallbiznis/creditledger/internal/audit"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/auth"
	authdomain "github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/auth/session"
	"github.com/smallbiznis/creditledger/internal/billing"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/consumption"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	"github.com/smallbiznis/creditledger/internal/grant"
	grantdomain "github.com/smallbiznis/creditledger/internal/grant/domain"
	"github.com/smallbiznis/creditledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/payment"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires every domain the HTTP surface depends on.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	audit.Module,
	auth.Module,
	apikey.Module,
	ledger.Module,
	consumption.Module,
	subscription.Module,
	payment.Module,
	grant.Module,
	billing.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// withCORS wraps the engine when browser origins are configured.
func withCORS(origins []string, h http.Handler) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(h)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           withCORS(cfg.CORSAllowedOrigins, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	authsvc         authdomain.Service
	cronGuard       authdomain.CronGuard
	sessions        *session.Manager
	apiKeySvc       apikeydomain.Service
	apiKeyLimiter   *ratelimit.APIKeyLimiter
	ledgerSvc       ledgerdomain.Service
	consumptionSvc  consumptiondomain.Service
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	grantSvc        grantdomain.Service
	billingSvc      billingdomain.Service
	auditSvc        auditdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Authsvc         authdomain.Service
	CronGuard       authdomain.CronGuard
	Sessions        *session.Manager
	APIKeySvc       apikeydomain.Service
	LedgerSvc       ledgerdomain.Service
	ConsumptionSvc  consumptiondomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	GrantSvc        grantdomain.Service
	BillingSvc      billingdomain.Service
	AuditSvc        auditdomain.Service
	APIKeyLimiter   *ratelimit.APIKeyLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authsvc:         p.Authsvc,
		cronGuard:       p.CronGuard,
		sessions:        p.Sessions,
		apiKeySvc:       p.APIKeySvc,
		apiKeyLimiter:   p.APIKeyLimiter,
		ledgerSvc:       p.LedgerSvc,
		consumptionSvc:  p.ConsumptionSvc,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		grantSvc:        p.GrantSvc,
		billingSvc:      p.BillingSvc,
		auditSvc:        p.AuditSvc,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerSessionRoutes()
	svc.registerAPIKeyRoutes()
	svc.registerInternalRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerSessionRoutes() {
	v1 := s.engine.Group("/v1", s.SessionRequired())

	// -------- API Keys --------
	v1.POST("/api-keys", s.CreateAPIKey)
	v1.GET("/api-keys", s.ListAPIKeys)
	v1.DELETE("/api-keys/:id", s.RevokeAPIKey)

	// -------- Billing --------
	v1.GET("/billing", s.GetBillingInfo)
	v1.POST("/billing/checkout", s.CreateCheckout)
	v1.GET("/transactions", s.ListTransactions)

	// -------- Subscriptions --------
	v1.POST("/subscriptions/:id/cancel", s.CancelSubscription)

	// -------- Audit --------
	v1.GET("/audit-logs", s.ListAuditLogs)
}

func (s *Server) registerAPIKeyRoutes() {
	metered := s.engine.Group("/v1", s.APIKeyRequired(), s.APIKeyRateLimit())

	// -------- Usage --------
	metered.POST("/usage/api-calls", s.ChargeAPICall)
	metered.POST("/usage/storage", s.ChargeStorage)
	metered.GET("/balance", s.GetBalance)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.CronRequired())

	internal.POST("/cron/monthly-grant", s.RunMonthlyGrant)
	internal.GET("/reconcile", s.Reconcile)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}
