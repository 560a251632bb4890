package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/verdict/internal/consensus"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/report"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

// RuleOverrides replaces individual fields of the default consensus rule.
type RuleOverrides struct {
	QuorumFraction *float64           `json:"quorum_fraction,omitempty"`
	MinRosterSize  *int               `json:"min_roster_size,omitempty"`
	TieBreak       *string            `json:"tie_break_policy,omitempty"`
	VotingWindow   *string            `json:"voting_window,omitempty"`
	Weighting      *string            `json:"weighting,omitempty"`
	RoleWeights    map[string]float64 `json:"role_weights,omitempty"`
}

// Apply returns base with the overridden fields replaced.
func (o *RuleOverrides) Apply(base core.ConsensusRule) (core.ConsensusRule, error) {
	if o == nil {
		return base, nil
	}
	if o.QuorumFraction != nil {
		base.QuorumFraction = *o.QuorumFraction
	}
	if o.MinRosterSize != nil {
		base.MinRosterSize = *o.MinRosterSize
	}
	if o.TieBreak != nil {
		base.TieBreak = core.TieBreakPolicy(*o.TieBreak)
	}
	if o.VotingWindow != nil {
		d, err := time.ParseDuration(*o.VotingWindow)
		if err != nil {
			return base, core.ErrInvalidRule(fmt.Sprintf("voting window %q is not a duration", *o.VotingWindow))
		}
		base.VotingWindow = d
	}
	if o.Weighting != nil {
		base.Weighting = core.Weighting(*o.Weighting)
	}
	if o.RoleWeights != nil {
		base.RoleWeights = make(map[core.Role]float64, len(o.RoleWeights))
		for name, w := range o.RoleWeights {
			role, err := core.ParseRole(name)
			if err != nil {
				return base, core.ErrInvalidRule(err.Error())
			}
			base.RoleWeights[role] = w
		}
	}
	return base, nil
}

// OpenSessionRequest is the body of POST /sessions.
type OpenSessionRequest struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Rule        *RuleOverrides `json:"rule,omitempty"`
}

// SessionResponse is a session with its current tallies.
type SessionResponse struct {
	*core.Session
	Tallies    core.Tallies `json:"current_tallies"`
	RosterSize int          `json:"roster_size"`
}

// CastVoteRequest is the body of POST /sessions/{id}/votes.
type CastVoteRequest struct {
	AgentID    string  `json:"agent_id"`
	VoteType   string  `json:"vote_type"`
	Confidence float64 `json:"confidence"`
}

// CloseSessionRequest is the optional body of POST /sessions/{id}/close.
type CloseSessionRequest struct {
	AckedBy string `json:"acked_by"`
}

// LedgerResponse lists a session's ledger.
type LedgerResponse struct {
	SessionID core.SessionID     `json:"session_id"`
	Entries   []core.LedgerEntry `json:"entries"`
}

func sessionID(r *http.Request) core.SessionID {
	return core.SessionID(chi.URLParam(r, "sessionID"))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.SessionFilter{
		Status:      core.SessionStatus(strings.ToUpper(q.Get("status"))),
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
	}
	switch filter.Status {
	case "", core.StatusPending, core.StatusVoting, core.StatusDecided, core.StatusEscalated, core.StatusClosed:
	default:
		respondError(w, http.StatusUnprocessableEntity, "unknown status "+q.Get("status"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	sessions, err := s.engine.Sessions.ListSessions(r.Context(), filter)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []core.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule, err := req.Rule.Apply(s.engine.DefaultRule())
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}

	sess, err := s.engine.Sessions.OpenSession(r.Context(), req.SubjectType, req.SubjectID, rule)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	resp, err := s.sessionResponse(r, sess)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+string(sess.ID))
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Sessions.GetStatus(r.Context(), sessionID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	resp, err := s.sessionResponse(r, sess)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionResponse(r *http.Request, sess *core.Session) (*SessionResponse, error) {
	snap, err := s.engine.Sessions.Snapshot(r.Context(), sess.RosterSnapshotID)
	if err != nil {
		return nil, err
	}
	votes, err := s.engine.Sessions.Votes(r.Context(), sess.ID)
	if err != nil {
		return nil, err
	}
	return &SessionResponse{
		Session:    sess,
		Tallies:    consensus.Tally(votes, *snap, sess.Rule),
		RosterSize: snap.Size(),
	}, nil
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sess, err := s.engine.Sessions.Close(r.Context(), sessionID(r), req.AckedBy)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.engine.Sessions.GetStatus(r.Context(), id); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	votes, err := s.engine.Sessions.Votes(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if votes == nil {
		votes = []core.Vote{}
	}
	respondJSON(w, http.StatusOK, votes)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req CastVoteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	receipt, err := s.engine.Votes.CastVote(r.Context(), vote.Ballot{
		SessionID:  sessionID(r),
		AgentID:    core.AgentID(req.AgentID),
		Type:       core.VoteType(req.VoteType),
		Confidence: req.Confidence,
	})
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.engine.Sessions.GetStatus(r.Context(), id); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	entries, err := s.engine.Ledger.ReadAll(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, LedgerResponse{SessionID: id, Entries: entries})
}

// handleVerifyLedger reports a broken chain in the body with valid=false;
// the request itself succeeded.
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if _, err := s.engine.Sessions.GetStatus(r.Context(), id); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	rep, err := s.engine.Ledger.VerifySession(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	audit, err := report.Build(r.Context(), s.engine.Sessions, s.engine.Ledger, sessionID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		respondJSON(w, http.StatusOK, audit)
		return
	}
	md, err := report.Markdown(audit)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, md)
}

func (s *Server) handleConvenePanel(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Panel.Convene(r.Context(), sessionID(r))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
