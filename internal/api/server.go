// Package api is the ingress surface: claim submission and status, HITL
// approval routes, external consensus votes, proof retrieval and the live
// event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/cache"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/events"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/hitl"
	"github.com/aevion/shield/internal/metering"
	"github.com/aevion/shield/internal/pipeline"
)

// AuthKeys are the three caller classes. Empty sets disable that class
// entirely rather than opening the route.
type AuthKeys struct {
	API      []string
	Reviewer []string
	Model    []string

	// Grants binds keys to their billing identity. Submissions are metered
	// on the key's grant, never on caller-supplied values; unmapped keys
	// fall back to the default tenant on the free tier.
	Grants map[string]Grant
}

// Grant is the billing identity of an API key.
type Grant struct {
	Tenant string
	Tier   metering.Tier
}

// Deps wires the server to the platform.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Engine       *consensus.Engine
	Gate         *hitl.Gate
	Proofs       evidence.Store
	Recorder     *audit.Recorder
	Meter        *metering.Meter
	Cache        *cache.ArtifactCache // optional
	Bus          *events.Bus          // optional; enables /v1/events/stream
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	auth authSets
	http *http.Server
}

// New builds the server and its router.
func New(deps Deps, keys AuthKeys, addr string) *Server {
	s := &Server{
		deps: deps,
		auth: newAuthSets(keys),
	}

	r := mux.NewRouter()
	r.Use(requestLogging)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/claims", s.requireKey(s.auth.api, http.HandlerFunc(s.handleSubmit))).Methods(http.MethodPost)
	v1.Handle("/claims/{id}", s.requireKey(s.auth.api, http.HandlerFunc(s.handleStatus))).Methods(http.MethodGet)
	v1.Handle("/claims/{id}/approve", s.requireKey(s.auth.reviewer, s.resolveHandler(true))).Methods(http.MethodPost)
	v1.Handle("/claims/{id}/reject", s.requireKey(s.auth.reviewer, s.resolveHandler(false))).Methods(http.MethodPost)
	v1.Handle("/claims/{id}/cancel", s.requireKey(s.auth.api, http.HandlerFunc(s.handleCancel))).Methods(http.MethodPost)
	v1.Handle("/claims/{id}/proof", s.requireKey(s.auth.api, http.HandlerFunc(s.handleProof))).Methods(http.MethodGet)
	v1.Handle("/claims/{id}/events", s.requireKey(s.auth.api, http.HandlerFunc(s.handleTrail))).Methods(http.MethodGet)
	v1.Handle("/consensus/{session}/vote", s.requireKey(s.auth.model, http.HandlerFunc(s.handleVote))).Methods(http.MethodPost)
	v1.Handle("/consensus/{session}", s.requireKey(s.auth.api, http.HandlerFunc(s.handleSnapshot))).Methods(http.MethodGet)
	v1.Handle("/hitl/tickets", s.requireKey(s.auth.reviewer, http.HandlerFunc(s.handlePendingTickets))).Methods(http.MethodGet)
	v1.Handle("/events/stream", s.requireKey(s.auth.api, http.HandlerFunc(s.handleEventStream))).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	slog.Info("api listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
