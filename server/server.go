// Package server exposes the proxy over HTTP: job submission, roster
// management, dead-letter inspection and health/stats endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/dispatch"
	"github.com/proofgate/proofgate/dlq"
	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
	"github.com/proofgate/proofgate/registry"
	"github.com/proofgate/proofgate/store"
)

// Engine is the dispatch surface the HTTP layer drives.
type Engine interface {
	Submit(ctx context.Context, payload []byte, opts ...job.Option) (*job.Result, error)
	Job(jobID id.JobID) (job.Job, bool)
	Workers() []registry.Worker
	AddWorker(ctx context.Context, addr string) (registry.Worker, error)
	RemoveWorker(ctx context.Context, workerID id.WorkerID) error
	SetWorkers(ctx context.Context, addrs []string) (int, error)
	Stats() dispatch.Stats
	DLQ() *dlq.Service
}

// Server is the HTTP gateway in front of a dispatch engine.
type Server struct {
	cfg    proofgate.Config
	engine Engine
	store  store.Store
	logger *slog.Logger
	addr   string
}

// New creates a Server listening on addr (falls back to the configured
// listen address when empty).
func New(cfg proofgate.Config, engine Engine, st store.Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return &Server{cfg: cfg, engine: engine, store: st, logger: logger, addr: addr}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())

	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs/:id", s.getJob)

		v1.GET("/workers", s.listWorkers)
		v1.PUT("/workers", s.putWorkers)
		v1.POST("/workers", s.addWorker)
		v1.DELETE("/workers/:id", s.removeWorker)

		v1.GET("/stats", s.stats)

		v1.GET("/dlq", s.listDLQ)
		v1.POST("/dlq/:id/replay", s.replayDLQ)
		v1.DELETE("/dlq", s.purgeDLQ)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("gateway listening", slog.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// requestLog is a slog-backed access log middleware.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
