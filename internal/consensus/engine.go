// Package consensus implements the Shield Consensus Engine: per-claim voting
// sessions, Byzantine-fault-tolerant quorum math, and the variance and
// constitutional halt disciplines.
package consensus

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/metrics"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrSessionNotFound = errors.New("voting session not found")
	ErrSessionSealed   = errors.New("voting session is sealed")
	ErrInvalidVote     = errors.New("invalid vote")
)

// Epsilon is the fixed margin applied on the halt-favoring side of every
// threshold comparison. Halts win ties.
const Epsilon = 1e-9

// Params are the tunables of the consensus algorithm. Zero values are
// replaced by defaults in NewEngine.
type Params struct {
	// MinVotes is the minimum number of valid (non-error) votes before a
	// quorum can exist.
	MinVotes int

	// SigmaVar is the variance-halt bound on the unweighted standard
	// deviation of vote confidences.
	SigmaVar float64

	// HaltThresholds maps domains to the constitutional halt bound on
	// weighted mean confidence.
	HaltThresholds map[core.Domain]float64

	// DefaultThreshold applies when a claim carries no domain tag.
	DefaultThreshold float64
}

// DefaultParams returns the shipped configuration.
func DefaultParams() Params {
	return Params{
		MinVotes:         3,
		SigmaVar:         0.25,
		HaltThresholds:   core.DefaultHaltThresholds,
		DefaultThreshold: core.DefaultHaltThresholds[core.DomainVetProof],
	}
}

// Snapshot is the derived consensus state, recomputed on every accepted
// vote. It is a pure function of the session's current vote set.
type Snapshot struct {
	SessionID          string       `json:"session_id"`
	MajorityVerdict    core.Verdict `json:"majority_verdict"`
	FinalVerdict       core.Verdict `json:"final_verdict"`
	WeightedConfidence float64      `json:"weighted_confidence"`
	StdDev             float64      `json:"std_dev"`
	AgreementRatio     float64      `json:"agreement_ratio"`
	BFTReached         bool         `json:"bft_reached"`
	VarianceHalt       bool         `json:"variance_halt"`
	ConstitutionalHalt bool         `json:"constitutional_halt"`
	NoQuorum           bool         `json:"no_quorum"`
	ValidVotes         int          `json:"valid_votes"`
	TotalVotes         int          `json:"total_votes"`
	Sealed             bool         `json:"sealed"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Halted reports whether any halt condition fired.
func (s *Snapshot) Halted() bool {
	return s.VarianceHalt || s.ConstitutionalHalt || !s.BFTReached
}

// session is one per-claim voting container. Guarded by a single-writer
// lock; concurrent vote submissions for the same session are serialized.
type session struct {
	mu        sync.Mutex
	id        string
	domain    core.Domain
	votes     map[string]core.Vote // model id -> latest vote
	snapshot  Snapshot
	sealed    bool
	createdAt time.Time
	updatedAt time.Time
}

// Engine owns all voting sessions.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*session
	params   Params
}

// NewEngine creates a consensus engine with the given parameters.
func NewEngine(p Params) *Engine {
	if p.MinVotes <= 0 {
		p.MinVotes = 3
	}
	if p.SigmaVar == 0 {
		p.SigmaVar = 0.25
	}
	if p.HaltThresholds == nil {
		p.HaltThresholds = core.DefaultHaltThresholds
	}
	if p.DefaultThreshold == 0 {
		p.DefaultThreshold = core.DefaultHaltThresholds[core.DomainVetProof]
	}
	return &Engine{
		sessions: make(map[string]*session),
		params:   p,
	}
}

// Open creates the voting session for a claim, or returns the existing one.
// Session id equals claim id by construction.
func (e *Engine) Open(sessionID string, domain core.Domain) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[sessionID]; exists {
		return
	}
	now := time.Now().UTC()
	s := &session{
		id:        sessionID,
		domain:    domain,
		votes:     make(map[string]core.Vote),
		createdAt: now,
		updatedAt: now,
	}
	s.snapshot = e.compute(s)
	e.sessions[sessionID] = s
	metrics.SessionsOpen.Inc()
}

func (e *Engine) get(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SubmitVote validates and upserts one model's vote, recomputes the
// snapshot and returns it. A later vote from the same model overwrites the
// earlier one; overwrites keep timestamps monotonic.
func (e *Engine) SubmitVote(sessionID string, vote core.Vote) (Snapshot, error) {
	if err := vote.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}

	s, err := e.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return Snapshot{}, ErrSessionSealed
	}

	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now().UTC()
	}
	if prev, ok := s.votes[vote.ModelID]; ok && vote.Timestamp.Before(prev.Timestamp) {
		vote.Timestamp = prev.Timestamp
	}
	s.votes[vote.ModelID] = vote
	s.updatedAt = time.Now().UTC()
	s.snapshot = e.compute(s)

	metrics.VotesTotal.WithLabelValues(string(vote.Verdict)).Inc()
	metrics.AgreementRatio.Observe(s.snapshot.AgreementRatio)
	e.recordHalts(s.snapshot)

	return s.snapshot, nil
}

// Snapshot returns the current snapshot. Sealed sessions still answer.
func (e *Engine) Snapshot(sessionID string) (Snapshot, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

// Seal marks the session immutable and returns the final snapshot.
// Sealing twice is a no-op.
func (e *Engine) Seal(sessionID string) (Snapshot, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sealed {
		s.sealed = true
		s.snapshot.Sealed = true
		metrics.SessionsOpen.Dec()
		slog.Info("voting session sealed",
			"session", sessionID,
			"final_verdict", s.snapshot.FinalVerdict,
			"agreement", s.snapshot.AgreementRatio)
	}
	return s.snapshot, nil
}

// Votes returns a copy of the current vote set, error votes included.
func (e *Engine) Votes(sessionID string) ([]core.Vote, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.Vote, 0, len(s.votes))
	for _, v := range s.votes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (e *Engine) recordHalts(snap Snapshot) {
	if snap.VarianceHalt {
		metrics.HaltsTotal.WithLabelValues("variance").Inc()
	}
	if snap.ConstitutionalHalt {
		metrics.HaltsTotal.WithLabelValues("constitutional").Inc()
	}
	if snap.NoQuorum {
		metrics.HaltsTotal.WithLabelValues("no_quorum").Inc()
	}
}

// compute derives the snapshot from the session's current vote set.
// Caller holds s.mu (or exclusive ownership during Open).
func (e *Engine) compute(s *session) Snapshot {
	snap := Snapshot{
		SessionID:       s.id,
		MajorityVerdict: core.VerdictHalt,
		FinalVerdict:    core.VerdictHalt,
		TotalVotes:      len(s.votes),
		Sealed:          s.sealed,
		UpdatedAt:       s.updatedAt,
	}

	// V: valid votes only. Error votes are recorded but never counted.
	valid := make([]core.Vote, 0, len(s.votes))
	for _, v := range s.votes {
		if v.Verdict != core.VerdictError {
			valid = append(valid, v)
		}
	}
	snap.ValidVotes = len(valid)

	if len(valid) == 0 {
		snap.NoQuorum = true
		return snap
	}

	var totalWeight, weightedConf float64
	weightByVerdict := make(map[core.Verdict]float64)
	for _, v := range valid {
		totalWeight += v.Weight
		weightedConf += v.Weight * v.Confidence
		weightByVerdict[v.Verdict] += v.Weight
	}

	// Majority verdict is weight-max; ties break to the lexicographically
	// smallest tag so the result is deterministic.
	var majority core.Verdict
	var winning float64
	verdicts := make([]core.Verdict, 0, len(weightByVerdict))
	for k := range weightByVerdict {
		verdicts = append(verdicts, k)
	}
	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i] < verdicts[j] })
	for _, k := range verdicts {
		if weightByVerdict[k] > winning {
			winning = weightByVerdict[k]
			majority = k
		}
	}

	snap.MajorityVerdict = majority
	snap.AgreementRatio = winning / totalWeight
	snap.WeightedConfidence = weightedConf / totalWeight

	// Standard deviation over UNWEIGHTED confidences. The weighting
	// asymmetry against WeightedConfidence is intentional and matches the
	// shipped 2.5-sigma halt rule; tested explicitly.
	snap.StdDev = unweightedStdDev(valid)

	n := len(valid)
	if n < e.params.MinVotes {
		snap.NoQuorum = true
		snap.BFTReached = false
	} else {
		// Strictly above 2/3 with the integer adjustment:
		// alpha >= (2n+2)/(3n). Exact equality reaches quorum; anything
		// representationally below it halts.
		threshold := float64(2*n+2) / float64(3*n)
		snap.BFTReached = snap.AgreementRatio >= threshold
	}

	// Halt comparisons carry Epsilon on the halt-favoring side: sigma equal
	// to SigmaVar halts, mean confidence equal to the domain threshold halts.
	snap.VarianceHalt = snap.StdDev > e.params.SigmaVar-Epsilon
	snap.ConstitutionalHalt = snap.WeightedConfidence < e.haltThreshold(s.domain)+Epsilon

	if !snap.Halted() {
		snap.FinalVerdict = majority
	}
	return snap
}

func (e *Engine) haltThreshold(d core.Domain) float64 {
	if t, ok := e.params.HaltThresholds[d]; ok {
		return t
	}
	return e.params.DefaultThreshold
}

func unweightedStdDev(votes []core.Vote) float64 {
	if len(votes) <= 1 {
		return 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Confidence
	}
	mean := sum / float64(len(votes))

	var ss float64
	for _, v := range votes {
		d := v.Confidence - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(votes)))
}
