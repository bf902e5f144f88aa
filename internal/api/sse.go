package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hugo-lorenzo-mato/gradient/internal/events"
)

// handleSSE streams engine events as Server-Sent Events. An optional
// ?types= query parameter restricts the stream to a comma-separated list of
// event types.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}
	if s.eventBus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "event bus not available")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	eventCh := s.eventBus.Subscribe(parseTypes(r.URL.Query().Get("types"))...)
	defer s.eventBus.Unsubscribe(eventCh)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr)
	s.sendSSEEvent(w, flusher, "connected", map[string]string{"status": "connected"})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return
		case event, ok := <-eventCh:
			if !ok {
				s.logger.Info("event bus closed, ending SSE stream")
				return
			}
			s.sendEventToClient(w, flusher, event)
		}
	}
}

func parseTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var types []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	flusher.Flush()
}

// sendEventToClient converts an Event to SSE format and sends it.
func (s *Server) sendEventToClient(w http.ResponseWriter, flusher http.Flusher, event events.Event) {
	var payload interface{}

	switch e := event.(type) {
	case events.GradientUpdatedEvent:
		payload = map[string]interface{}{
			"claim_id":   e.ClaimID,
			"gradient":   e.Gradient,
			"vote_count": e.VoteCount,
			"timestamp":  e.Timestamp(),
		}

	case events.ConsensusReachedEvent:
		payload = map[string]interface{}{
			"claim_id":   e.ClaimID,
			"gradient":   e.Gradient,
			"outcome":    e.Outcome,
			"vote_count": e.VoteCount,
			"reached_at": e.ReachedAt,
		}

	case events.ReputationChangedEvent:
		payload = map[string]interface{}{
			"agent_id":         e.AgentID,
			"previous_score":   e.PreviousScore,
			"new_score":        e.NewScore,
			"delta":            e.Delta,
			"reason":           e.Reason,
			"related_claim_id": e.RelatedClaimID,
			"timestamp":        e.Timestamp(),
		}

	case events.TierChangedEvent:
		payload = map[string]interface{}{
			"agent_id":      e.AgentID,
			"previous_tier": e.PreviousTier,
			"new_tier":      e.NewTier,
			"timestamp":     e.Timestamp(),
		}

	case events.LedgerHaltedEvent:
		payload = map[string]interface{}{
			"agent_id":        e.AgentID,
			"projected_score": e.Projected,
			"log_sum":         e.LogSum,
			"timestamp":       e.Timestamp(),
		}

	default:
		payload = map[string]interface{}{
			"subject":   event.Subject(),
			"timestamp": event.Timestamp(),
		}
	}

	s.sendSSEEvent(w, flusher, event.EventType(), payload)
}
