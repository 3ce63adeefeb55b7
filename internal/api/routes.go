// Package api serves the run store over HTTP: run listings, execution
// records, live event streams and Prometheus metrics.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router         *mux.Router
	handlers       *Handlers
	allowedOrigins []string
	tracing        bool
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins enables CORS for the given browser origins.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
		s.handlers.allowedOrigins = origins
	}
}

// WithTracing wraps every request in an OpenTelemetry server span.
func WithTracing(enabled bool) Option {
	return func(s *Server) { s.tracing = enabled }
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ...Option) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler for use with http.Server. CORS wraps
// the router because preflight requests match no GET route.
func (s *Server) Router() http.Handler {
	h := http.Handler(s.router)
	if len(s.allowedOrigins) > 0 {
		h = CORS(s.allowedOrigins)(h)
	}
	if s.tracing {
		h = otelhttp.NewHandler(h, "ampliconflow-api",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}
	return SecurityHeaders(h)
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/runs", s.handlers.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handlers.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/records", s.handlers.ListRecords).Methods("GET")
	api.HandleFunc("/runs/{id}/result", s.handlers.GetResult).Methods("GET")
	api.HandleFunc("/runs/{id}/events", s.handlers.StreamEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/ws", s.handlers.StreamEventsWS).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", s.handlers.ListArtifacts).Methods("GET")

	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	// Middleware runs in registration order.
	s.router.Use(s.handlers.RecoveryMiddleware)
	s.router.Use(s.handlers.RequestIDMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
}
