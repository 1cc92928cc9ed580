package pipeline

import (
	"time"

	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/core"
	"github.com/aevion/shield/internal/sanitize"
)

// Trust flag names recorded in the detect output and the proof bundle.
const (
	FlagHighStdDev       = "std_dev_above_sigma"
	FlagNoBFT            = "bft_not_reached"
	FlagLowConfidence    = "mean_confidence_below_half"
	FlagExtremeStdDev    = "std_dev_above_030"
	FlagEvidenceMismatch = "claim_evidence_similarity_low"
)

// Detect-stage constants.
const (
	trustPenaltyPerFlag   = 0.2
	lowTrustHaltFlagCount = 3
	extremeStdDevBound    = 0.30
	evidenceSimilarityMin = 0.4
	lowConfidenceBound    = 0.5
)

// deriveTrust computes the detect output from the consensus snapshot and
// the embed stage's claim-evidence similarity. Pure function.
func deriveTrust(snap consensus.Snapshot, sigmaVar, evidenceSimilarity float64, now time.Time) DetectOutput {
	var flags []string
	if snap.StdDev > sigmaVar-consensus.Epsilon {
		flags = append(flags, FlagHighStdDev)
	}
	if !snap.BFTReached {
		flags = append(flags, FlagNoBFT)
	}
	if snap.WeightedConfidence < lowConfidenceBound {
		flags = append(flags, FlagLowConfidence)
	}
	if snap.StdDev > extremeStdDevBound {
		flags = append(flags, FlagExtremeStdDev)
	}
	if evidenceSimilarity < evidenceSimilarityMin {
		flags = append(flags, FlagEvidenceMismatch)
	}

	trust := 1 - trustPenaltyPerFlag*float64(len(flags))
	if trust < 0 {
		trust = 0
	}

	return DetectOutput{
		Flags:        flags,
		FlagCount:    len(flags),
		TrustScore:   trust,
		HaltRequired: trust == 0 || snap.VarianceHalt || len(flags) >= lowTrustHaltFlagCount,
		CompletedAt:  now,
	}
}

// deriveRisk summarizes the pre-screen and verify signals for the HITL
// gate. Halt flags are deliberately absent here: a halt already produces a
// halt proof on its own, and only the constitutional kind routes through
// review (the gate checks that flag separately).
func deriveRisk(snap consensus.Snapshot, san *SanitizeOutput) core.RiskLevel {
	sensitive := 0
	if san != nil {
		for _, c := range san.Categories {
			switch c {
			case sanitize.CategorySSN, sanitize.CategoryDOB:
				sensitive += 2
			default:
				sensitive++
			}
		}
	}
	switch {
	case sensitive >= 4:
		return core.RiskCritical
	case sensitive >= 2:
		return core.RiskHigh
	case snap.WeightedConfidence < 0.75 || sensitive > 0:
		return core.RiskMedium
	default:
		return core.RiskLow
	}
}
