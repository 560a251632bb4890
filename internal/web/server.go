// Package web hosts the engine over HTTP: the REST API, the event streams,
// health and metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/verdict/internal/api"
	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/verdict/internal/service"
	"github.com/hugo-lorenzo-mato/verdict/internal/web/sse"
	"github.com/hugo-lorenzo-mato/verdict/internal/web/ws"
)

// Server is the HTTP host of an engine.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     Config
	logger     *slog.Logger
	engine     *service.Engine
	system     *diagnostics.SystemCollector
	sseHandler *sse.Handler
	listener   net.Listener
}

// Config holds the server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8088,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"http://localhost:5173"},
	}
}

// ConfigFrom converts the server section of the application config,
// keeping defaults for unparsable durations.
func ConfigFrom(sc config.ServerConfig) Config {
	def := DefaultConfig()
	cfg := Config{
		Host:            sc.Host,
		Port:            sc.Port,
		ReadTimeout:     config.Duration(sc.ReadTimeout, def.ReadTimeout),
		WriteTimeout:    config.Duration(sc.WriteTimeout, def.WriteTimeout),
		IdleTimeout:     def.IdleTimeout,
		ShutdownTimeout: config.Duration(sc.ShutdownTimeout, def.ShutdownTimeout),
		CORSOrigins:     sc.CORSOrigins,
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	return cfg
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithSystemCollector exposes host diagnostics at /api/v1/system.
func WithSystemCollector(c *diagnostics.SystemCollector) ServerOption {
	return func(s *Server) {
		s.system = c
	}
}

// New creates a server for engine.
func New(cfg Config, engine *service.Engine, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		engine: engine,
		logger: logger.With("component", "http"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.config.CORSOrigins) > 0 {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Location"},
			AllowCredentials: true,
			MaxAge:           300,
		})
		r.Use(corsMiddleware.Handler)
	}

	r.Get("/health", s.handleHealth)
	if s.engine.Metrics != nil {
		r.Handle("/metrics", s.engine.Metrics.Handler())
	}

	var apiOpts []api.ServerOption
	apiOpts = append(apiOpts, api.WithLogger(s.logger))
	if s.system != nil {
		apiOpts = append(apiOpts, api.WithSystemCollector(s.system))
	}
	rest := api.NewServer(s.engine, apiOpts...)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleAPIRoot)
		rest.Register(r)

		r.Route("/sse", func(r chi.Router) {
			s.sseHandler = sse.RegisterRoutes(r, s.engine.Bus, s.engine.Metrics)
		})
		r.Handle("/ws", ws.NewStream(s.engine.Bus, s.engine.Metrics, s.logger, s.config.CORSOrigins))
	})

	return r
}

// loggingMiddleware logs HTTP requests using structured logging.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.engine.Store.ListSessions(r.Context(), core.SessionFilter{Limit: 1}); err != nil {
		s.logger.Warn("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) handleAPIRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"version":"v1","name":"verdict-api"}`))
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.logger.Info("starting http server", slog.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown closes the event streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if s.sseHandler != nil {
		_ = s.sseHandler.Shutdown(shutdownCtx)
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// Router returns the underlying chi router.
func (s *Server) Router() chi.Router {
	return s.router
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
