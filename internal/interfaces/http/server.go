// Package http runs the read-only monitor server. It exposes tracker
// health, Prometheus metrics, and the exported read models as JSON.
// Local-only by default; nothing served here mutates tracker state.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/signalrun/internal/interfaces/http/handlers"
)

// Server is the read-only monitor HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *handlers.Handlers
	config   ServerConfig
	log      zerolog.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig binds to localhost only; the monitor has no auth.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// NewServer wires the routes and claims the port up front so a config
// mistake fails at startup rather than at the first request.
func NewServer(config ServerConfig, deps handlers.Deps, logger zerolog.Logger) (*Server, error) {
	config = config.withDefaults()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	server := &Server{
		router:   mux.NewRouter(),
		handlers: handlers.NewHandlers(deps, logger),
		config:   config,
		log:      logger.With().Str("component", "monitor").Logger(),
	}
	server.setupRoutes(deps)

	server.server = &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(deps handlers.Deps) {
	// Middleware for all routes
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware(deps))
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// Prometheus exposition sets its own content type, so it stays off
	// the JSON subrouter.
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics.Handler()).Methods("GET")
	}

	// API routes (JSON only)
	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/rankings", s.handlers.Rankings).Methods("GET")
	api.HandleFunc("/messages", s.handlers.Messages).Methods("GET")
	api.HandleFunc("/signals", s.handlers.Signals).Methods("GET")
	api.HandleFunc("/tokens", s.handlers.Tokens).Methods("GET")
	api.HandleFunc("/channel-tokens", s.handlers.ChannelTokens).Methods("GET")

	// 404 handler
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware adds a unique request ID to each request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), "request_id", requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs every request and records it in the
// metrics registry under the matched route template, never the raw
// path, so unmatched garbage cannot blow up the label cardinality.
func (s *Server) requestLoggingMiddleware(deps handlers.Deps) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			route := routeTemplate(r)
			if deps.Metrics != nil {
				deps.Metrics.ObserveRequest(route, wrapper.statusCode, duration)
			}

			s.log.Debug().
				Str("request_id", requestIDFrom(r)).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("route", route).
				Int("status", wrapper.statusCode).
				Dur("duration", duration).
				Str("remote", r.RemoteAddr).
				Msg("Request served")
		})
	}
}

// timeoutMiddleware enforces request timeouts.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only allow localhost origins
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses.
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().
		Str("addr", s.server.Addr).
		Str("health", fmt.Sprintf("http://%s/health", s.server.Addr)).
		Str("metrics", fmt.Sprintf("http://%s/metrics", s.server.Addr)).
		Msg("Monitor server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Monitor server shutting down")
	return s.server.Shutdown(ctx)
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// routeTemplate returns the matched mux route pattern.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value("request_id").(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures HTTP status codes for logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
