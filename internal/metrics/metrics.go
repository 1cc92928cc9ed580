// Package metrics registers the Prometheus collectors shared by the
// verification platform. Collectors are package-level so every subsystem
// records against the same registry without plumbing a struct through.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Consensus engine
	VotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_consensus_votes_total",
			Help: "Votes accepted by the consensus engine",
		},
		[]string{"verdict"},
	)

	HaltsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_consensus_halts_total",
			Help: "Halt signals emitted by the consensus engine",
		},
		[]string{"kind"}, // variance, constitutional, no_quorum, bft
	)

	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_consensus_sessions_open",
			Help: "Voting sessions currently open",
		},
	)

	AgreementRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shield_consensus_agreement_ratio",
			Help:    "Agreement ratio at snapshot recomputation",
			Buckets: []float64{0.2, 0.4, 0.5, 0.6, 0.667, 0.75, 0.85, 0.95, 1.0},
		},
	)

	// Pipeline orchestrator
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_pipeline_stage_duration_seconds",
			Help:    "Wall time per pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_pipeline_stage_retries_total",
			Help: "Stage retry attempts after transient failures",
		},
		[]string{"stage"},
	)

	InstancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_pipeline_instances_total",
			Help: "Pipeline instances by terminal state",
		},
		[]string{"state"}, // completed, failed, cancelled
	)

	// HITL gate
	TicketsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shield_hitl_tickets_open",
			Help: "HITL tickets awaiting a decision",
		},
	)

	TicketsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_hitl_tickets_resolved_total",
			Help: "HITL tickets by terminal status",
		},
		[]string{"status"}, // approved, rejected, expired
	)

	// Model gateway
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_gateway_model_calls_total",
			Help: "Verifier model calls by outcome",
		},
		[]string{"model", "outcome"}, // ok, parse_error, timeout, circuit_open
	)

	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_gateway_model_latency_seconds",
			Help:    "Verifier model round-trip latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"model"},
	)

	// Metering
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_meter_quota_rejections_total",
			Help: "Requests rejected by quota or rate limits",
		},
		[]string{"tier", "reason"}, // quota, rate
	)

	ClaimsMetered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_meter_claims_total",
			Help: "Claims admitted through the metering layer",
		},
		[]string{"tier"},
	)

	// Evidence store
	ChainCASRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shield_evidence_cas_retries_total",
			Help: "Chain tip compare-and-swap retries",
		},
	)

	ProofsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_evidence_proofs_total",
			Help: "Proof records written, by verdict",
		},
		[]string{"verdict"},
	)
)
