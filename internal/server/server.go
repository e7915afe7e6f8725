package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"asyncart/internal/jobs"
	"asyncart/internal/metrics"
)

//go:embed web/index.html
var indexHTML []byte

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Jobs    *jobs.Service
	Metrics *metrics.Metrics
	Log     *logrus.Logger
	// Checks are probed in order by /readyz, keyed by a display name.
	Checks        []NamedCheck
	InternalToken string
}

type NamedCheck struct {
	Name   string
	Pinger Pinger
}

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	jobs       *jobs.Service
	metrics    *metrics.Metrics
	log        *logrus.Logger
	checks     []NamedCheck
}

func NewServer(addr string, d Deps) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	s := &Server{
		router:  r,
		jobs:    d.Jobs,
		metrics: d.Metrics,
		log:     d.Log,
		checks:  d.Checks,
	}

	r.GET("/", s.handleHome)
	r.POST("/upload", s.handleUpload)
	r.GET("/status/:jobId", s.handleStatus)

	// Worker-facing routes exist only when a token guards them.
	if d.InternalToken != "" {
		internal := r.Group("/internal", requireInternalToken(d.InternalToken))
		internal.PUT("/jobs/:jobId/status", s.handleTransition)
	}

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	const op = "server.Start"

	s.log.WithField("addr", s.httpServer.Addr).Info("AsyncArt API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Stop waits for in-flight requests to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
