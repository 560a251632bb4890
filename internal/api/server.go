// Package api provides the HTTP REST handlers of the adjudication engine.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hugo-lorenzo-mato/verdict/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/verdict/internal/service"
)

// Server provides the REST endpoints for sessions, votes, the ledger and
// the roster.
type Server struct {
	engine *service.Engine
	system *diagnostics.SystemCollector
	logger *slog.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSystemCollector enables GET /system.
func WithSystemCollector(c *diagnostics.SystemCollector) ServerOption {
	return func(s *Server) {
		s.system = c
	}
}

// NewServer creates a new API server over a started engine.
func NewServer(engine *service.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine: engine,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Register mounts the REST routes on r, which is expected to be the
// /api/v1 subrouter.
func (s *Server) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleOpenSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/close", s.handleCloseSession)
				r.Get("/votes", s.handleListVotes)
				r.Post("/votes", s.handleCastVote)
				r.Get("/ledger", s.handleLedger)
				r.Get("/ledger/verify", s.handleVerifyLedger)
				r.Get("/report", s.handleReport)
				r.Post("/panel", s.handleConvenePanel)
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleRegisterAgent)

			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Post("/deactivate", s.handleDeactivateAgent)
				r.Post("/activate", s.handleActivateAgent)
			})
		})

		if s.system != nil {
			r.Get("/system", s.handleSystem)
		}
	})
}

// Handler returns a standalone router with the REST routes under /api/v1.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/api/v1", s.Register)
	return r
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// decodeJSON reads a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.system.Collect())
}
