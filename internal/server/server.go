// Package server is the fasthttp transport in front of the completion router.
// It parses the OpenAI-style request body, hands the normalized request to the
// router, and renders JSON or SSE responses.
package server

import (
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/parleyhq/completion-gateway/internal/gateway"
	"github.com/parleyhq/completion-gateway/internal/metrics"
)

// Server hosts the HTTP API.
type Server struct {
	gw      *gateway.Gateway
	metrics *metrics.Registry
	health  *HealthChecker
	log     *slog.Logger

	corsOrigins []string
	version     string

	srv *fasthttp.Server
}

// Options configures a Server. Nil fields disable the corresponding feature.
type Options struct {
	Metrics     *metrics.Registry
	Health      *HealthChecker
	Logger      *slog.Logger
	CORSOrigins []string
	Version     string
}

func New(gw *gateway.Gateway, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		gw:          gw,
		metrics:     opts.Metrics,
		health:      opts.Health,
		log:         log,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}
}

// handler assembles the route table and middleware chain.
func (s *Server) handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChatCompletions)
	r.GET("/v1/models", s.handleModels)
	r.GET("/v1/cost", s.handleCost)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until the
// listener closes.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second, // streams may run long
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
