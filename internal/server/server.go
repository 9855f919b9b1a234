package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soundloom/tunesmith/internal/billing"
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
	"github.com/soundloom/tunesmith/internal/callback"
	callbackdomain "github.com/soundloom/tunesmith/internal/callback/domain"
	"github.com/soundloom/tunesmith/internal/config"
	"github.com/soundloom/tunesmith/internal/ledger"
	"github.com/soundloom/tunesmith/internal/orchestrator"
	orchdomain "github.com/soundloom/tunesmith/internal/orchestrator/domain"
	"github.com/soundloom/tunesmith/internal/providers/blobstore"
	"github.com/soundloom/tunesmith/internal/providers/tunegen"
	"github.com/soundloom/tunesmith/internal/reconciler"
	"github.com/soundloom/tunesmith/internal/scheduler"
	"github.com/soundloom/tunesmith/internal/task"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ledger.Module,
	task.Module,
	tunegen.Module,
	blobstore.Module,
	callback.Module,
	orchestrator.Module,
	billing.Module,
	reconciler.Module,
	scheduler.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	orchestrator orchdomain.Service
	callbacks    callbackdomain.Service
	billing      billingdomain.Service
	reconciler   *reconciler.Reconciler
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger

	Orchestrator orchdomain.Service
	Callbacks    callbackdomain.Service
	Billing      billingdomain.Service
	Reconciler   *reconciler.Reconciler

	Scheduler *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		orchestrator: p.Orchestrator,
		callbacks:    p.Callbacks,
		billing:      p.Billing,
		reconciler:   p.Reconciler,
	}

	svc.registerAPIRoutes()
	svc.registerCallbackRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	v1.POST("/generations", s.StartGeneration)
	v1.POST("/lyrics", s.StartLyrics)
	v1.POST("/tasks/:id/cover", s.StartCover)
	v1.GET("/tasks/:id", s.GetTask)
	v1.GET("/credits", s.GetCredits)
}

// Callback and webhook routes carry their own authentication (provider
// callbacks are keyed by opaque task ids, billing webhooks by HMAC), so they
// sit outside the bearer-token group.
func (s *Server) registerCallbackRoutes() {
	cb := s.engine.Group("/v1/callbacks")

	cb.POST("/music", s.HandleMusicCallback)
	cb.POST("/cover", s.HandleCoverCallback)
	cb.POST("/lyrics", s.HandleLyricsCallback)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/billing", s.HandleBillingWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.AuthRequired())

	admin.POST("/reconcile", s.RunReconciliation)
}
