package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs proof hashes so downstream verifiers can check provenance
// as well as linkage. Keys are derived from operator-supplied material,
// never stored raw.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner derives an ed25519 keypair from key material via HKDF-SHA256.
// The same material always yields the same keypair, so restarts keep the
// chain verifiable.
func NewSigner(keyMaterial []byte) (*Signer, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("signing key material is empty")
	}
	kdf := hkdf.New(sha256.New, keyMaterial, []byte("shield-proof-chain"), []byte("ed25519-seed"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("derive signing seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign returns the hex signature over the hex-decoded proof hash.
func (s *Signer) Sign(proofHash string) (string, error) {
	digest, err := hex.DecodeString(proofHash)
	if err != nil {
		return "", fmt.Errorf("proof hash is not hex: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, digest)), nil
}

// Verify checks a hex signature over a proof hash.
func (s *Signer) Verify(proofHash, signature string) bool {
	digest, err := hex.DecodeString(proofHash)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, digest, sig)
}

// PublicKeyHex exposes the verifying key for external auditors.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}
