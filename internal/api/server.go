package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/logger"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
)

// Deps are the collaborators behind the HTTP API. Store, Queue and Metrics
// are optional; the routes that need a missing one answer 503.
type Deps struct {
	Registry *worker.Registry
	Hub      *Hub
	Store    core.CatalogStore
	Queue    core.EvidenceQueue
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

type Server struct {
	cfg    config.Config
	deps   Deps
	log    *logger.Logger
	router *gin.Engine
}

// NewServer builds the router. ctx bounds background work such as the rate
// limiter's sweeper.
func NewServer(ctx context.Context, cfg config.Config, deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, errors.New("api: registry is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("api")

	if cfg.Security.EnableAuth && cfg.Security.APIKey == "" {
		return nil, errors.New("api key not configured: set SURFACEMAP_SECURITY_API_KEY or security.api_key")
	}

	s := &Server{cfg: cfg, deps: deps, log: log}
	s.router = s.routes(ctx)
	return s, nil
}

func (s *Server) routes(ctx context.Context) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(s.log))
	if s.cfg.Server.EnableCORS {
		router.Use(CORSMiddleware())
	}

	router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	if s.cfg.Security.EnableAuth {
		v1.Use(AuthMiddleware(s.cfg.Security.APIKey, s.log))
	}
	if s.cfg.Security.RateLimit.RequestsPerSecond > 0 {
		v1.Use(RateLimitMiddleware(ctx, s.cfg.Security.RateLimit))
	}

	v1.GET("/apps", s.listApps)
	apps := v1.Group("/apps/:app")
	{
		apps.POST("/evidence", s.ingestEvidence)
		apps.POST("/finalize", s.finalize)
		apps.DELETE("", s.discard)
		apps.GET("/catalog", s.preview)
		apps.GET("/quarantine", s.quarantine)
		apps.GET("/history", s.history)
		apps.GET("/stream", streamHandler(s.deps.Hub, s.log))
	}

	v1.POST("/diff", s.diff)
	v1.GET("/snapshots", s.listSnapshots)
	v1.GET("/snapshots/:id", s.getSnapshot)
	v1.GET("/snapshots/:id/catalog", s.snapshotCatalog)

	s.registerDashboard(router, v1)
	return router
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP server listening", "address", addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		timeout := s.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.log.Infow("Server shutdown complete")
		return nil
	}
}
