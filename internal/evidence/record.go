// Package evidence implements the append-only proof archive: canonical
// proof bundles, SHA-256 hash linkage into per-domain chains, and ed25519
// signatures over the chain entries.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aevion/shield/internal/core"
)

// GenesisHash anchors the first record of every domain chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// PipelineVersion is stamped into every proof bundle so old proofs remain
// interpretable after stage changes.
const PipelineVersion = "1.0.0"

// HaltFlags records why the system declined, when it did.
type HaltFlags struct {
	Variance       bool `json:"variance"`
	Constitutional bool `json:"constitutional"`
	NoQuorum       bool `json:"no_quorum"`
	LowTrust       bool `json:"low_trust"`
}

// Any reports whether any halt fired.
func (h HaltFlags) Any() bool {
	return h.Variance || h.Constitutional || h.NoQuorum || h.LowTrust
}

// ProofBundle is the canonical artifact written at Sign. ProofHash is the
// hex SHA-256 of the canonical serialization with the proof_hash and
// signature fields cleared; PreviousHash links it into the domain chain.
type ProofBundle struct {
	ClaimID         string                 `json:"claim_id"`
	Domain          core.Domain            `json:"domain"`
	InstanceID      string                 `json:"instance_id"`
	ProofID         string                 `json:"proof_id"`
	PipelineVersion string                 `json:"pipeline_version"`
	Stages          map[string]interface{} `json:"stages"`
	Verdict         core.Verdict           `json:"verdict"`
	FinalConfidence float64                `json:"final_confidence"`
	TrustScore      float64                `json:"trust_score"`
	HaltFlags       HaltFlags              `json:"halt_flags"`
	Decision        *core.Decision         `json:"decision,omitempty"`
	Timestamp       string                 `json:"timestamp"` // ISO-8601 UTC
	DurationMS      int64                  `json:"duration_ms"`
	PreviousHash    string                 `json:"previous_hash"`
	ProofHash       string                 `json:"proof_hash"`
	Signature       string                 `json:"signature,omitempty"`
}

// Key returns the archive address {domain}/{instance}/{proof}.
func (b *ProofBundle) Key() string {
	return fmt.Sprintf("%s/%s/%s", b.Domain, b.InstanceID, b.ProofID)
}

// CanonicalJSON renders v as deterministic JSON: object keys sorted,
// UTF-8, no optional whitespace. This is the hash input format.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	// Round-trip through interface{} so struct fields become map entries
	// and come back out key-sorted.
	var tree interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeHash returns the hex SHA-256 of the bundle's canonical form with
// the hash and signature fields cleared.
func (b *ProofBundle) ComputeHash() (string, error) {
	cp := *b
	cp.ProofHash = ""
	cp.Signature = ""
	data, err := CanonicalJSON(&cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the hash and compares it to the stored value.
func (b *ProofBundle) VerifyHash() bool {
	h, err := b.ComputeHash()
	return err == nil && h == b.ProofHash
}

// NewTimestamp formats t the way proof bundles expect.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
