package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWaitForVerdict(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/claims":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(Status{ClaimID: "c-1", State: StateRunning, Stage: "sanitize"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/claims/c-1":
			state := StateRunning
			if polls.Add(1) >= 3 {
				state = StateCompleted
			}
			json.NewEncoder(w).Encode(Status{ClaimID: "c-1", State: state, Verdict: "verified"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "key-1", PollInterval: 5 * time.Millisecond})

	status, err := client.SubmitClaim(context.Background(), Claim{Text: "the sky is blue"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", status.ClaimID)
	assert.False(t, status.Terminal())

	final, err := client.WaitForVerdict(context.Background(), status.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, "verified", final.Verdict)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestQuotaErrorCarriesPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Price", "0.25")
		w.Header().Set("X-Currency", "USD")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "quota-exceeded", "message": "monthly quota exhausted"})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL})
	_, err := client.SubmitClaim(context.Background(), Claim{Text: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsQuotaExceeded())
	assert.Equal(t, "0.25", apiErr.Price)
	assert.Equal(t, "USD", apiErr.Currency)
	assert.Equal(t, "quota-exceeded", apiErr.Code)
}

func TestWaitForVerdictHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{ClaimID: "c-1", State: StateRunning})
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	status, err := client.WaitForVerdict(ctx, "c-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, status)
	assert.Equal(t, StateRunning, status.State)
}
