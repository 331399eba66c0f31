package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/sentinel/pkg/executor"
	"github.com/cuemby/sentinel/pkg/knowledge"
	"github.com/cuemby/sentinel/pkg/monitor"
	"github.com/cuemby/sentinel/pkg/orchestrator"
	"github.com/cuemby/sentinel/pkg/types"
)

// learningWindowDays is the lookback for the /status learning section.
const learningWindowDays = 7

// StatusResponse is the GET /status body. Sections from components
// that are not running are omitted.
type StatusResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Pipeline  *orchestrator.Snapshot `json:"pipeline,omitempty"`
	Projects  *monitor.Snapshot      `json:"projects,omitempty"`
	Learning  *knowledge.Summary     `json:"learning,omitempty"`
	Executor  *executor.Stats        `json:"executor,omitempty"`
}

// DecisionRequest is the POST /approvals/{id} body.
type DecisionRequest struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Timestamp: time.Now().UTC()}

	if s.deps.Pipeline != nil {
		snap := s.deps.Pipeline.Snapshot()
		resp.Pipeline = &snap
	}
	if s.deps.Health != nil {
		snap := s.deps.Health.Snapshot()
		resp.Projects = &snap
	}
	if s.deps.Learning != nil {
		summary, err := s.deps.Learning.LearningSummary(r.Context(), learningWindowDays)
		if err != nil {
			s.logger.Warn().Err(err).Msg("learning summary unavailable")
		} else {
			resp.Learning = &summary
		}
	}
	if s.deps.Commands != nil {
		stats := s.deps.Commands.Stats()
		resp.Executor = &stats
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "batch id must be an integer")
		return
	}
	if s.deps.Archive == nil {
		respondError(w, http.StatusNotFound, "batch archive not available")
		return
	}

	batch, err := s.deps.Archive.GetBatch(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			respondError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error().Err(err).Int64("batch_id", id).Msg("batch lookup failed")
		respondError(w, http.StatusInternalServerError, "batch lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleApprovals(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Inbox == nil {
		respondError(w, http.StatusNotFound, "approvals not available")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Inbox.Pending())
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Inbox == nil {
		respondError(w, http.StatusNotFound, "approvals not available")
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed decision body")
		return
	}
	if req.Approver == "" {
		respondError(w, http.StatusBadRequest, "approver is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Inbox.Decide(id, req.Approved, req.Approver); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			respondError(w, http.StatusNotFound, "approval not found or already decided")
			return
		}
		s.logger.Error().Err(err).Str("approval_id", id).Msg("decision failed")
		respondError(w, http.StatusInternalServerError, "decision failed")
		return
	}

	s.logger.Info().
		Str("approval_id", id).
		Bool("approved", req.Approved).
		Str("approver", req.Approver).
		Msg("approval decided via api")
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleReady reports component readiness detail. The server only
// starts after every component is wired, so the answer is informative
// rather than gating.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := make(map[string]string)

	if s.deps.Pipeline != nil {
		snap := s.deps.Pipeline.Snapshot()
		checks["pipeline"] = "circuit " + snap.CircuitState
	} else {
		checks["pipeline"] = "disabled"
	}
	if s.deps.Learning != nil {
		if s.deps.Learning.Degraded() {
			checks["knowledge"] = "degraded (read-only)"
		} else {
			checks["knowledge"] = "ok"
		}
	}
	if s.deps.Health != nil {
		checks["monitor"] = strconv.Itoa(len(s.deps.Health.Snapshot().Projects)) + " projects"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}
