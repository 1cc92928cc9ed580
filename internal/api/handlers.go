package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/metering"
)

// submitRequest is the POST /v1/claims body. ID is optional; the server
// assigns one when absent. Tenant and tier never come from the body —
// they are bound to the authenticated key's grant.
type submitRequest struct {
	ID       string   `json:"id,omitempty"`
	Text     string   `json:"text"`
	Evidence []string `json:"evidence,omitempty"`
	Domain   string   `json:"domain,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
		return
	}

	grant := grantFrom(r.Context())
	tenant := grant.Tenant
	if tenant == "" {
		tenant = "default"
	}
	tier := grant.Tier
	if tier == "" {
		tier = metering.TierFree
	}
	if err := s.deps.Meter.Allow(tenant, tier); err != nil {
		writeMappedError(w, err)
		return
	}

	claim := core.Claim{
		ID:        req.ID,
		Text:      req.Text,
		Evidence:  req.Evidence,
		Domain:    core.Domain(req.Domain),
		Priority:  core.Priority(req.Priority),
		TenantID:  tenant,
		CreatedAt: time.Now().UTC(),
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	if err := claim.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
		return
	}

	status, err := s.deps.Orchestrator.Submit(r.Context(), claim)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]
	status, err := s.deps.Orchestrator.Status(r.Context(), claimID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type resolveRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason,omitempty"`
}

// resolveHandler serves both approve and reject.
func (s *Server) resolveHandler(approve bool) http.Handler {
	outcome := core.DecisionRejected
	if approve {
		outcome = core.DecisionApproved
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimID := mux.Vars(r)["id"]

		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
			return
		}
		if req.ReviewerID == "" {
			writeError(w, http.StatusBadRequest, "invalid-input", "reviewer_id is required")
			return
		}

		ticket, err := s.deps.Gate.ResolveByClaim(r.Context(), claimID, outcome, req.ReviewerID, req.Reason)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.Cancel(r.Context(), claimID); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]

	if s.deps.Cache != nil {
		if proof, ok := s.deps.Cache.GetProof(r.Context(), claimID); ok {
			writeJSON(w, http.StatusOK, proof)
			return
		}
	}
	proof, err := s.deps.Proofs.GetByClaim(r.Context(), claimID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.PutProof(r.Context(), claimID, proof)
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]
	events, err := s.deps.Recorder.Trail(r.Context(), claimID, 500)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// voteRequest is an out-of-band vote from an external verifier model.
type voteRequest struct {
	ModelID    string  `json:"model_id"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Coherence  float64 `json:"coherence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Weight     float64 `json:"weight"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
		return
	}

	snap, err := s.deps.Engine.SubmitVote(sessionID, core.Vote{
		ModelID:    req.ModelID,
		Verdict:    core.Verdict(req.Verdict),
		Confidence: req.Confidence,
		Coherence:  req.Coherence,
		Reasoning:  req.Reasoning,
		Weight:     req.Weight,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	if s.deps.Cache != nil {
		if snap, ok := s.deps.Cache.GetSnapshot(r.Context(), sessionID); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	snap, err := s.deps.Engine.Snapshot(sessionID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePendingTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.deps.Gate.ListPending(r.Context(), 200)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
