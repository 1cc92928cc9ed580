package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aevion/shield/internal/circuitbreaker"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/hitl"
	"github.com/aevion/shield/internal/metering"
	"github.com/aevion/shield/internal/pipeline"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeMappedError translates domain sentinels onto the wire taxonomy.
func writeMappedError(w http.ResponseWriter, err error) {
	var quota *metering.QuotaError
	switch {
	case errors.As(err, &quota):
		w.Header().Set("X-Price", quota.Price)
		w.Header().Set("X-Currency", quota.Currency)
		writeError(w, http.StatusPaymentRequired, "quota-exceeded", err.Error())
	case errors.Is(err, metering.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate-limited", err.Error())
	case errors.Is(err, consensus.ErrInvalidVote):
		writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
	case errors.Is(err, consensus.ErrSessionSealed):
		writeError(w, http.StatusConflict, "session-sealed", err.Error())
	case errors.Is(err, consensus.ErrSessionNotFound),
		errors.Is(err, pipeline.ErrInstanceNotFound),
		errors.Is(err, hitl.ErrTicketNotFound),
		errors.Is(err, evidence.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not-found", err.Error())
	case errors.Is(err, hitl.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already-resolved", err.Error())
	case errors.Is(err, pipeline.ErrClaimExists):
		writeError(w, http.StatusConflict, "already-exists", err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "dependency-unavailable", err.Error())
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "dependency-unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
