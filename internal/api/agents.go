package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/service"
)

const defaultLeaderboardLimit = 10

// AdjustmentRequest is the request body for a manual adjustment.
type AdjustmentRequest struct {
	Delta *float64 `json:"delta"`
	Note  string   `json:"note"`
}

// EvidenceVoteRequest is the request body for an evidence vote.
type EvidenceVoteRequest struct {
	EvidenceID string `json:"evidence_id"`
	Upvote     *bool  `json:"upvote"`
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.AgentCurrentScore(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleReputationHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.History(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []core.ReputationEvent{}
	}
	s.respondJSON(w, http.StatusOK, history)
}

func (s *Server) handleLearningScore(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.LearningScore(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	rank, err := s.engine.Rank(chi.URLParam(r, "agentID"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rank)
}

// handleManualAdjustment records an operator correction on the ledger.
func (s *Server) handleManualAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if req.Delta == nil {
		s.respondError(w, http.StatusUnprocessableEntity, core.CodeInvalidArgument, "delta is required")
		return
	}

	res, err := s.engine.ManualAdjustment(r.Context(), chi.URLParam(r, "agentID"), *req.Delta, req.Note)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleEvidenceVote rewards or penalizes the author of a piece of evidence.
func (s *Server) handleEvidenceVote(w http.ResponseWriter, r *http.Request) {
	var req EvidenceVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if req.EvidenceID == "" || req.Upvote == nil {
		s.respondError(w, http.StatusUnprocessableEntity, core.CodeInvalidArgument, "evidence_id and upvote are required")
		return
	}

	res, err := s.engine.ApplyEvidenceVote(r.Context(), chi.URLParam(r, "agentID"), req.EvidenceID, *req.Upvote)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleVerify checks the agent's score against its event log. A failed
// check halts the agent and is reported as 423 with the report.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.VerifyAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		if report != nil && report.Halted {
			s.respondJSON(w, http.StatusLocked, report)
			return
		}
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleLeaderboard returns a page of ranked agents, optionally for one tier.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryInt(w, r, "limit", defaultLeaderboardLimit)
	if !ok {
		return
	}
	offset, ok := s.queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	var tier *core.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, err := core.ParseTier(raw)
		if err != nil {
			s.respondDomainError(w, r, err)
			return
		}
		tier = &t
	}

	entries := s.engine.Leaderboard(limit, offset, tier)
	if entries == nil {
		entries = []service.LeaderboardEntry{}
	}
	s.respondJSON(w, http.StatusOK, entries)
}
