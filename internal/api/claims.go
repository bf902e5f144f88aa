package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

// CastVoteRequest is the request body for casting a vote.
type CastVoteRequest struct {
	AgentID          string   `json:"agent_id"`
	Value            *float64 `json:"value"`
	ReputationAtCast *float64 `json:"reputation_at_cast"`
}

// handleGetClaim returns the claim aggregate.
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")

	agg, err := s.engine.Aggregate(r.Context(), claimID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, agg)
}

// handleGradientHistory returns recent gradient points, newest first.
func (s *Server) handleGradientHistory(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")

	limit, ok := s.queryInt(w, r, "limit", 0)
	if !ok {
		return
	}

	points, err := s.engine.GradientHistory(r.Context(), claimID, limit)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if points == nil {
		points = []core.GradientPoint{}
	}
	s.respondJSON(w, http.StatusOK, points)
}

// handleCastVote casts or replaces a vote on the claim.
func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")

	var req CastVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
		return
	}
	if req.AgentID == "" || req.Value == nil || req.ReputationAtCast == nil {
		s.respondError(w, http.StatusUnprocessableEntity, core.CodeInvalidArgument,
			"agent_id, value and reputation_at_cast are required")
		return
	}

	res, err := s.engine.CastVote(r.Context(), claimID, req.AgentID, *req.Value, *req.ReputationAtCast)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleRemoveVote withdraws an agent's vote. Removing an absent vote succeeds.
func (s *Server) handleRemoveVote(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")
	agentID := chi.URLParam(r, "agentID")

	res, err := s.engine.RemoveVote(r.Context(), claimID, agentID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleReconcile rescans the claim's votes and repairs drifted totals.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")

	report, err := s.engine.Reconcile(r.Context(), claimID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// queryInt parses a non-negative integer query parameter. On a malformed
// value it writes a 400 and returns false.
func (s *Server) queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.respondError(w, http.StatusBadRequest, core.CodeInvalidArgument, "invalid "+name+" parameter")
		return 0, false
	}
	return n, true
}
