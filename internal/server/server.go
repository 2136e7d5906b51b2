package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gitulabs/governor/internal/config"
	"github.com/gitulabs/governor/internal/governor"
	governordomain "github.com/gitulabs/governor/internal/governor/domain"
	"github.com/gitulabs/governor/internal/limits"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	"github.com/gitulabs/governor/internal/observability"
	obsmiddleware "github.com/gitulabs/governor/internal/observability/logger"
	obsmetrics "github.com/gitulabs/governor/internal/observability/metrics"
	obstracing "github.com/gitulabs/governor/internal/observability/tracing"
	"github.com/gitulabs/governor/internal/ratelimit"
	"github.com/gitulabs/governor/internal/usage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	usage.Module,
	limits.Module,
	governor.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine      *gin.Engine
	cfg         config.Config
	governorSvc governordomain.Service
	limitsSvc   limitsdomain.Service
	obsMetrics  *obsmetrics.Metrics
	limiter     *ratelimit.RecordLimiter
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	GovernorSvc governordomain.Service
	LimitsSvc   limitsdomain.Service
	ObsMetrics  *obsmetrics.Metrics      `optional:"true"`
	Limiter     *ratelimit.RecordLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		governorSvc: p.GovernorSvc,
		limitsSvc:   p.LimitsSvc,
		obsMetrics:  p.ObsMetrics,
		limiter:     p.Limiter,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.UserRequired())

	// -------- Usage ledger --------
	v1.POST("/usage", s.RecordRateLimit(), s.RecordUsage)
	v1.POST("/usage/charge", s.RecordRateLimit(), s.ChargeUsage)
	v1.GET("/usage", s.ListUsage)
	v1.GET("/usage/current", s.GetCurrentUsage)
	v1.GET("/usage/alerts", s.ListThresholdAlerts)

	// -------- Budget --------
	v1.POST("/budget/check", s.CheckBudget)

	// -------- Limits --------
	v1.GET("/limits", s.GetLimits)
	v1.PUT("/limits", s.UpdateLimits)
}
