package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenantbilling/internal/billingoverview"
	billingoverviewdomain "github.com/smallbiznis/tenantbilling/internal/billingoverview/domain"
	"github.com/smallbiznis/tenantbilling/internal/catalog"
	catalogdomain "github.com/smallbiznis/tenantbilling/internal/catalog/domain"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/invoice"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"github.com/smallbiznis/tenantbilling/internal/notification"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	obsmiddleware "github.com/smallbiznis/tenantbilling/internal/observability/logger"
	obstracing "github.com/smallbiznis/tenantbilling/internal/observability/tracing"
	"github.com/smallbiznis/tenantbilling/internal/payment"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/smallbiznis/tenantbilling/internal/ratelimit"
	"github.com/smallbiznis/tenantbilling/internal/reconcile"
	reconciledomain "github.com/smallbiznis/tenantbilling/internal/reconcile/domain"
	"github.com/smallbiznis/tenantbilling/internal/scheduler"
	"github.com/smallbiznis/tenantbilling/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/usage"
	usagedomain "github.com/smallbiznis/tenantbilling/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	catalog.Module,
	notification.Module,
	invoice.Module,
	payment.Module,
	subscription.Module,
	usage.Module,
	reconcile.Module,
	billingoverview.Module,
	ratelimit.Module,
	scheduler.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// DailyRunner is the part of the scheduler the cron endpoint drives.
type DailyRunner interface {
	RunDaily(ctx context.Context) (scheduler.Report, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	catalogSvc      catalogdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	paymentSvc      paymentdomain.Service
	usageSvc        usagedomain.Service
	overviewSvc     billingoverviewdomain.Service
	reconcileSvc    reconciledomain.Service
	scheduler       DailyRunner
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	CatalogSvc      catalogdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	PaymentSvc      paymentdomain.Service
	UsageSvc        usagedomain.Service
	OverviewSvc     billingoverviewdomain.Service
	ReconcileSvc    reconciledomain.Service
	Scheduler       *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	return newServer(p, p.Scheduler)
}

func newServer(p ServerParams, runner DailyRunner) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		catalogSvc:      p.CatalogSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		paymentSvc:      p.PaymentSvc,
		usageSvc:        p.UsageSvc,
		overviewSvc:     p.OverviewSvc,
		reconcileSvc:    p.ReconcileSvc,
		scheduler:       runner,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/plans", s.ListPlans)
	api.POST("/plans/proration", s.CalculateProration)

	api.POST("/subscriptions", s.CreateSubscription)
	api.GET("/subscriptions/:id", s.GetSubscriptionByID)
	api.POST("/subscriptions/:id/change", s.ChangeSubscription)
	api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	api.GET("/subscriptions/:id/invoices", s.ListSubscriptionInvoices)
	api.POST("/subscriptions/:id/invoices", s.CreateManualInvoice)

	api.POST("/invoices/:id/charge", s.ChargeInvoice)
	api.GET("/invoices/:id/payments", s.ListInvoicePayments)

	api.GET("/organizations/:org_id/subscription", s.GetOrganizationSubscription)
	api.GET("/organizations/:org_id/usage", s.GetUsage)
	api.GET("/organizations/:org_id/usage/limits", s.CheckUsageLimits)
	api.POST("/organizations/:org_id/usage", s.TrackUsage)
	api.PUT("/organizations/:org_id/usage/:metric", s.SetUsage)

	api.POST("/payments/webhooks/:gateway", s.HandlePaymentWebhook)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")
	internal.POST("/cron/daily", s.RunDailyCron)
}
