package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aevion/shield/internal/audit"
	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/events"
	"github.com/aevion/shield/internal/evidence"
	"github.com/aevion/shield/internal/gateway"
	"github.com/aevion/shield/internal/vector"
)

func (o *Orchestrator) stageSanitize(_ context.Context, in *Instance) error {
	res := o.deps.Scanner.Scan(in.Claim.Text, in.Claim.Evidence)
	in.Checkpoint.Sanitize = &SanitizeOutput{
		Result:      res,
		CompletedAt: time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) stageEmbed(ctx context.Context, in *Instance) error {
	san := in.Checkpoint.Sanitize
	if san == nil {
		return Terminal(errors.New("embed ran before sanitize output"))
	}

	claimVec, err := o.deps.Embedder.Embed(ctx, san.RedactedText)
	if err != nil {
		return fmt.Errorf("embed claim: %w", err)
	}
	if err := o.deps.Index.Upsert(ctx, in.Claim.ID, claimVec); err != nil {
		return fmt.Errorf("index claim vector: %w", err)
	}

	// No evidence means nothing to disagree with; similarity stays at the
	// neutral ceiling so the mismatch flag cannot fire.
	similarity := 1.0
	if len(san.RedactedEvidence) > 0 {
		evidenceVec, err := o.deps.Embedder.Embed(ctx, strings.Join(san.RedactedEvidence, "\n"))
		if err != nil {
			return fmt.Errorf("embed evidence: %w", err)
		}
		if err := o.deps.Index.Upsert(ctx, in.Claim.ID+"/evidence", evidenceVec); err != nil {
			return fmt.Errorf("index evidence vector: %w", err)
		}
		similarity = vector.Cosine(claimVec, evidenceVec)
	}

	in.Checkpoint.Embed = &EmbedOutput{
		Vector:                  claimVec,
		ClaimEvidenceSimilarity: similarity,
		Dimensions:              len(claimVec),
		CompletedAt:             time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) stageSearch(ctx context.Context, in *Instance) error {
	emb := in.Checkpoint.Embed
	if emb == nil {
		return Terminal(errors.New("search ran before embed output"))
	}

	// Over-fetch so self-exclusion still leaves topK candidates.
	matches, err := o.deps.Index.Query(ctx, emb.Vector, searchTopK+4)
	if err != nil {
		return fmt.Errorf("query vector index: %w", err)
	}

	similar := make([]vector.Match, 0, searchTopK)
	for _, m := range matches {
		if m.ID == in.Claim.ID || strings.HasPrefix(m.ID, in.Claim.ID+"/") {
			continue // the just-inserted self
		}
		if strings.HasSuffix(m.ID, "/evidence") {
			continue // evidence vectors are context, not prior claims
		}
		if m.Score <= searchMinScore {
			continue
		}
		similar = append(similar, m)
		if len(similar) == searchTopK {
			break
		}
	}

	in.Checkpoint.Search = &SearchOutput{
		Similar:     similar,
		CompletedAt: time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) stageVerify(ctx context.Context, in *Instance) error {
	san := in.Checkpoint.Sanitize
	search := in.Checkpoint.Search
	if san == nil || search == nil {
		return Terminal(errors.New("verify ran before upstream outputs"))
	}

	o.deps.Engine.Open(in.Claim.ID, in.Claim.Domain)

	similarIDs := make([]string, 0, len(search.Similar))
	for _, m := range search.Similar {
		similarIDs = append(similarIDs, m.ID)
	}

	votes := o.deps.Verifier.CollectVotes(ctx, gateway.OpinionRequest{
		ClaimID:       in.Claim.ID,
		Text:          san.RedactedText,
		Evidence:      san.RedactedEvidence,
		Domain:        string(in.Claim.Domain),
		SimilarClaims: similarIDs,
	})

	var snap consensus.Snapshot
	var submitted int
	for _, v := range votes {
		s, err := o.deps.Engine.SubmitVote(in.Claim.ID, v)
		if err != nil {
			if errors.Is(err, consensus.ErrSessionSealed) {
				return Terminal(err)
			}
			// Invalid votes are a gateway parsing bug; drop and continue.
			continue
		}
		snap = s
		submitted++
	}
	if submitted == 0 {
		// Nothing reached the engine; read whatever the session holds.
		s, err := o.deps.Engine.Snapshot(in.Claim.ID)
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		snap = s
	}

	if o.deps.Cache != nil {
		o.deps.Cache.PutSnapshot(ctx, in.Claim.ID, snap)
	}

	in.Checkpoint.Verify = &VerifyOutput{
		Snapshot:    snap,
		Risk:        deriveRisk(snap, in.Checkpoint.Sanitize),
		CompletedAt: time.Now().UTC(),
	}
	return nil
}

func (o *Orchestrator) stageDetect(ctx context.Context, in *Instance) error {
	ver := in.Checkpoint.Verify
	emb := in.Checkpoint.Embed
	if ver == nil || emb == nil {
		return Terminal(errors.New("detect ran before upstream outputs"))
	}

	out := deriveTrust(ver.Snapshot, o.opts.SigmaVar, emb.ClaimEvidenceSimilarity, time.Now().UTC())
	in.Checkpoint.Detect = &out

	if out.HaltRequired || ver.Snapshot.Halted() {
		o.deps.Recorder.Record(ctx, audit.KindHaltTriggered, in.Claim.ID, map[string]interface{}{
			"instance_id": in.ID,
			"flags":       out.Flags,
			"trust_score": out.TrustScore,
		})
		o.deps.Emitter.Emit(events.TypeHaltTriggered, "/pipeline", in.Claim.ID, map[string]interface{}{
			"instance_id": in.ID,
			"flags":       out.Flags,
		})
	}
	return nil
}

// reviewGate decides whether a ticket is needed and, when it is, suspends
// the instance until resolution. Low-risk claims get the synthetic
// auto-approval instead.
func (o *Orchestrator) reviewGate(ctx context.Context, in *Instance) error {
	ver := in.Checkpoint.Verify
	if ver == nil {
		return Terminal(errors.New("review gate reached without verify output"))
	}

	needsReview := ver.Risk == core.RiskHigh || ver.Risk == core.RiskCritical ||
		ver.Snapshot.ConstitutionalHalt ||
		in.Claim.Priority == core.PriorityHigh ||
		o.opts.MandatoryReview[in.Claim.Domain]

	if !needsReview {
		d := core.AutoApproval(time.Now().UTC())
		in.Decision = &d
		return nil
	}

	if in.TicketID == "" {
		summary := fmt.Sprintf("risk=%s confidence=%.3f agreement=%.3f",
			ver.Risk, ver.Snapshot.WeightedConfidence, ver.Snapshot.AgreementRatio)
		ticket, err := o.deps.Gate.OpenTicket(ctx, in.Claim.ID, in.ID, ver.Risk, summary)
		if err != nil {
			return fmt.Errorf("open review ticket: %w", err)
		}
		in.TicketID = ticket.ID
	}

	in.State = StateAwaitingReview
	in.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.Save(ctx, in); err != nil {
		return fmt.Errorf("suspend checkpoint: %w", err)
	}

	// Crash recovery: a ticket resolved while nobody waited is read back
	// from its stored decision.
	ticket, err := o.deps.Gate.Ticket(ctx, in.TicketID)
	if err != nil {
		return fmt.Errorf("load ticket: %w", err)
	}

	var decision core.Decision
	if ticket.Status.Terminal() && ticket.Decision != nil {
		decision = *ticket.Decision
	} else {
		select {
		case decision = <-o.deps.Gate.Wait(in.TicketID):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.deps.Gate.Release(in.TicketID)

	in.Decision = &decision
	in.State = StateRunning
	in.UpdatedAt = time.Now().UTC()
	return o.deps.Store.Save(ctx, in)
}

func (o *Orchestrator) stageSign(ctx context.Context, in *Instance) error {
	cp := &in.Checkpoint
	if cp.Detect == nil || cp.Verify == nil {
		return Terminal(errors.New("sign ran before upstream outputs"))
	}
	snap := cp.Verify.Snapshot
	detect := cp.Detect

	verdict := snap.FinalVerdict
	if detect.HaltRequired {
		verdict = core.VerdictHalt
	}
	if in.Decision != nil &&
		(in.Decision.Outcome == core.DecisionRejected || in.Decision.Outcome == core.DecisionExpired) {
		verdict = core.VerdictHalt
	}

	lowTrust := detect.HaltRequired && !snap.VarianceHalt && !snap.ConstitutionalHalt && !snap.NoQuorum
	bundle := &evidence.ProofBundle{
		ClaimID:         in.Claim.ID,
		Domain:          in.Claim.Domain,
		InstanceID:      in.ID,
		ProofID:         proofID(in.ID),
		PipelineVersion: evidence.PipelineVersion,
		Stages:          stageSummaries(cp),
		Verdict:         verdict,
		FinalConfidence: snap.WeightedConfidence,
		TrustScore:      detect.TrustScore,
		HaltFlags: evidence.HaltFlags{
			Variance:       snap.VarianceHalt,
			Constitutional: snap.ConstitutionalHalt,
			NoQuorum:       snap.NoQuorum,
			LowTrust:       lowTrust,
		},
		Decision:   in.Decision,
		Timestamp:  evidence.NewTimestamp(detect.CompletedAt),
		DurationMS: detect.CompletedAt.Sub(in.CreatedAt).Milliseconds(),
	}

	stored, err := o.deps.Chain.Append(ctx, bundle)
	if err != nil {
		return fmt.Errorf("append proof: %w", err)
	}

	in.ProofHash = stored.ProofHash
	in.Verdict = stored.Verdict

	if o.deps.Cache != nil {
		o.deps.Cache.PutProof(ctx, in.Claim.ID, stored)
	}
	if err := o.deps.Recorder.Record(ctx, audit.KindProofSigned, in.Claim.ID, map[string]interface{}{
		"instance_id":   in.ID,
		"proof_hash":    stored.ProofHash,
		"previous_hash": stored.PreviousHash,
		"verdict":       string(stored.Verdict),
	}); err != nil {
		return err
	}
	o.deps.Emitter.Emit(events.TypeProofSigned, "/pipeline", in.Claim.ID, map[string]interface{}{
		"proof_hash": stored.ProofHash,
		"verdict":    string(stored.Verdict),
	})
	return nil
}

// proofID derives a stable id from the instance so a crash-recovery
// re-run of Sign addresses the identical record.
func proofID(instanceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("proof:"+instanceID)).String()
}

// stageSummaries renders the checkpoint into the bundle's stages map. The
// raw embedding vector stays out of the proof; everything else is carried.
func stageSummaries(cp *Checkpoint) map[string]interface{} {
	similar := make([]string, 0, len(cp.Search.Similar))
	scores := make([]float64, 0, len(cp.Search.Similar))
	for _, m := range cp.Search.Similar {
		similar = append(similar, m.ID)
		scores = append(scores, m.Score)
	}
	return map[string]interface{}{
		"sanitize": map[string]interface{}{
			"categories": cp.Sanitize.Categories,
			"findings":   cp.Sanitize.Findings,
		},
		"embed": map[string]interface{}{
			"dimensions":                cp.Embed.Dimensions,
			"claim_evidence_similarity": cp.Embed.ClaimEvidenceSimilarity,
		},
		"search": map[string]interface{}{
			"similar_claims": similar,
			"scores":         scores,
		},
		"verify": cp.Verify.Snapshot,
		"detect": map[string]interface{}{
			"flags":         cp.Detect.Flags,
			"flag_count":    cp.Detect.FlagCount,
			"trust_score":   cp.Detect.TrustScore,
			"halt_required": cp.Detect.HaltRequired,
		},
	}
}
