package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	analyticsdomain "github.com/smallbiznis/cobro/internal/analytics/domain"
	assistantdomain "github.com/smallbiznis/cobro/internal/assistant/domain"
	chargedomain "github.com/smallbiznis/cobro/internal/charge/domain"
	"github.com/smallbiznis/cobro/internal/config"
	customerdomain "github.com/smallbiznis/cobro/internal/customer/domain"
	ingestdomain "github.com/smallbiznis/cobro/internal/ingest/domain"
	ingestservice "github.com/smallbiznis/cobro/internal/ingest/service"
	"github.com/smallbiznis/cobro/internal/observability"
	obslogger "github.com/smallbiznis/cobro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	obstracing "github.com/smallbiznis/cobro/internal/observability/tracing"
	"github.com/smallbiznis/cobro/internal/processor/isocode"
	"github.com/smallbiznis/cobro/internal/ratelimit"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	registerJSONTagNames()

	r := gin.New()
	r.MaxMultipartMemory = ingestservice.MaxUploadBytes
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

// registerJSONTagNames makes binding errors name the JSON field.
func registerJSONTagNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger, _ *Server) {
	addr := cfg.HTTPAddr
	if strings.TrimSpace(addr) == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	customerSvc  customerdomain.Service
	scheduleSvc  scheduledomain.Service
	chargeSvc    chargedomain.Service
	ledgerSvc    transactiondomain.Service
	ingestSvc    ingestdomain.Service
	analyticsSvc analyticsdomain.Service
	assistantSvc assistantdomain.Service
	isoCodes     *isocode.Table
	limiter      *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	CustomerSvc  customerdomain.Service
	ScheduleSvc  scheduledomain.Service
	ChargeSvc    chargedomain.Service
	LedgerSvc    transactiondomain.Service
	IngestSvc    ingestdomain.Service
	AnalyticsSvc analyticsdomain.Service
	AssistantSvc assistantdomain.Service `optional:"true"`
	ISOCodes     *isocode.Table
	Limiter      *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("http"),
		customerSvc:  p.CustomerSvc,
		scheduleSvc:  p.ScheduleSvc,
		chargeSvc:    p.ChargeSvc,
		ledgerSvc:    p.LedgerSvc,
		ingestSvc:    p.IngestSvc,
		analyticsSvc: p.AnalyticsSvc,
		assistantSvc: p.AssistantSvc,
		isoCodes:     p.ISOCodes,
		limiter:      p.Limiter,
	}

	svc.engine.GET("/health", svc.Health)
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Uploads --------
	api.POST("/uploads", s.throttle(ratelimit.ActionUpload), s.UploadBatch)
	api.GET("/collection-jobs", s.ListCollectionJobs)
	api.GET("/collection-jobs/:id", s.GetCollectionJob)

	// -------- Schedules --------
	api.GET("/schedules", s.ListSchedules)
	api.POST("/schedules", s.CreateSchedule)
	api.POST("/schedules/bulk-activate", s.BulkActivateSchedules)
	api.POST("/schedules/bulk-deactivate", s.BulkDeactivateSchedules)
	api.GET("/schedules/:id", s.GetSchedule)
	api.POST("/schedules/:id/activate", s.ActivateSchedule)
	api.POST("/schedules/:id/deactivate", s.DeactivateSchedule)
	api.POST("/schedules/:id/execute", s.throttle(ratelimit.ActionCharge), s.ExecuteCharge)

	// -------- Charges --------
	api.GET("/charges", s.ListCharges)
	api.POST("/charges/execute-due", s.throttle(ratelimit.ActionCharge), s.ExecuteDueCharges)

	// -------- Transactions --------
	api.GET("/transactions", s.ListTransactions)
	api.GET("/transactions/export", s.ExportTransactions)

	// -------- Customers --------
	api.GET("/customers", s.ListCustomers)
	api.GET("/customers/:id", s.GetCustomerByID)

	// -------- Reference --------
	api.GET("/dashboard", s.GetDashboard)
	api.GET("/iso-codes", s.ListISOCodes)
	api.POST("/assistant", s.throttle(ratelimit.ActionAssistant), s.AskAssistant)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
