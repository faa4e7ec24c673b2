package server

import (
	"context"
	"net/http"
	"time"

	"github.com/beneplus/beneflow/internal/batch"
	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	"github.com/beneplus/beneflow/internal/config"
	"github.com/beneplus/beneflow/internal/events"
	"github.com/beneplus/beneflow/internal/export"
	"github.com/beneplus/beneflow/internal/ingestion"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability"
	obsmiddleware "github.com/beneplus/beneflow/internal/observability/logger"
	obsmetrics "github.com/beneplus/beneflow/internal/observability/metrics"
	"github.com/beneplus/beneflow/internal/reconcile"
	"github.com/beneplus/beneflow/internal/roster"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	config.Module,
	observability.Module,
	events.Module,
	fx.Provide(registerGin),
	roster.Module,
	ingestion.Module,
	reconcile.Module,
	batch.Module,
	export.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, m *obsmetrics.Metrics) *gin.Engine {
	if !cfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug: cfg.Debug(),
	}))
	r.Use(obsmetrics.GinMiddleware(m))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return r
}

func registerGin(cfg config.Config, m *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(cfg, m)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
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
	engine    *gin.Engine
	cfg       config.Config
	rosterSvc rosterdomain.Service
	ingestSvc ingestiondomain.Service
	batchSvc  batchdomain.Service
	exportSvc export.Service
	hub       *events.Hub
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	RosterSvc rosterdomain.Service
	IngestSvc ingestiondomain.Service
	BatchSvc  batchdomain.Service
	ExportSvc export.Service
	Hub       *events.Hub
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		rosterSvc: p.RosterSvc,
		ingestSvc: p.IngestSvc,
		batchSvc:  p.BatchSvc,
		exportSvc: p.ExportSvc,
		hub:       p.Hub,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", ScopeMiddleware())

	v1.POST("/employers/:employerId/sites/:siteId/batches/:competence/upload", s.UploadRoster)
	v1.POST("/ingestions/preview", s.PreviewIngestion)

	v1.GET("/batches", s.ListBatches)
	v1.GET("/batches/:id", s.GetBatch)
	v1.POST("/batches/:id/ready", s.MarkBatchReady)
	v1.POST("/batches/:id/quote", s.QuoteBatch)
	v1.POST("/batches/:id/approve", s.ApproveBatch)
	v1.POST("/batches/:id/reject", s.RejectBatch)
	v1.POST("/batches/:id/submit", s.SubmitBatchToInsurer)
	v1.POST("/batches/:id/records/:recordId/adjudicate", s.AdjudicateRecord)
	v1.POST("/batches/:id/resubmit", s.ResubmitBatch)
	v1.POST("/batches/:id/recompute", s.RecomputeBatch)
	v1.POST("/batches/:id/finalize", s.FinalizeBatch)
	v1.POST("/batches/:id/invoice", s.InvoiceBatch)
	v1.PATCH("/batches/:id/notes", s.UpdateBatchNotes)
	v1.GET("/batches/:id/export", s.ExportBatch)

	v1.GET("/employers/:employerId/workers", s.ListWorkers)
	v1.GET("/employers/:employerId/roster/export", s.ExportRoster)
	v1.DELETE("/employers/:employerId", s.DeleteEmployer)
	v1.GET("/workers/:id", s.GetWorker)
	v1.PATCH("/workers/:id", s.UpdateWorker)
	v1.GET("/brackets", s.ListBrackets)

	v1.GET("/changes", s.RecentChanges)
}
