// Package server exposes the generation engine and the project store over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/logger"
	"github.com/santiagomed/kiln/store"
)

// Submitter queues generation runs.
type Submitter interface {
	Submit(ctx context.Context, req core.Request) (*core.Run, error)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	Metrics     bool
}

type Server struct {
	engine Submitter
	store  *store.ProjectStore
	logger logger.Logger
	opts   Options
	router *gin.Engine
}

func New(engine Submitter, st *store.ProjectStore, opts Options, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNullLogger()
	}
	s := &Server{
		engine: engine,
		store:  st,
		logger: l,
		opts:   opts,
		router: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(Recovery(s.logger))
	s.router.Use(RequestID())
	s.router.Use(AccessLog(s.logger))
	s.router.Use(CORS(s.opts.CORSOrigins))
	if s.opts.Metrics {
		s.router.Use(Metrics())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.health)
	if s.opts.Metrics {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := s.router.Group("/api")
	{
		api.POST("/generate", s.generate)

		projects := api.Group("/projects/:projectId")
		{
			projects.GET("/files", s.listFiles)
			projects.GET("/files/*filePath", s.readFile)
			projects.GET("/download", s.download)
		}

		api.GET("/preview/:projectId/*filePath", s.preview)
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening on " + s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
