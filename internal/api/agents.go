package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// RegisterAgentRequest is the body of POST /agents.
type RegisterAgentRequest struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Role        string   `json:"role"`
	Provider    string   `json:"provider"`
	Weight      *float64 `json:"weight,omitempty"`
}

func agentID(r *http.Request) core.AgentID {
	return core.AgentID(chi.URLParam(r, "agentID"))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.engine.Roster.List()
	if r.URL.Query().Get("active") == "true" {
		active := agents[:0]
		for _, a := range agents {
			if a.Active {
				active = append(active, a)
			}
		}
		agents = active
	}
	if agents == nil {
		agents = []core.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	role, err := core.ParseRole(req.Role)
	if err != nil {
		s.respondDomainError(w, r, core.ErrValidation(core.CodeInvalidAgent, err.Error()))
		return
	}
	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}

	agent, err := s.engine.Roster.Register(r.Context(), core.Agent{
		ID:          core.AgentID(req.ID),
		DisplayName: req.DisplayName,
		Role:        role,
		ProviderRef: req.Provider,
		Weight:      weight,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.Roster.Get(agentID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeactivateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.Roster.Deactivate(r.Context(), agentID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleActivateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.Roster.Activate(r.Context(), agentID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}
