// Package cache is the short-TTL fingerprint→artifact fast path. Writes are
// best-effort and misses never affect correctness; the pipeline always owns
// the authoritative copy.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aevion/shield/internal/consensus"
	"github.com/aevion/shield/internal/evidence"
)

// RedisClient is the minimal surface the cache needs from a Redis library.
// The concrete go-redis adapter lives in internal/infra; tests and
// redis-less deployments use the in-memory client below.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// ErrMiss is returned by Get implementations for absent keys.
var ErrMiss = errors.New("cache miss")

// ArtifactCache stores the two hot artifacts keyed by claim id.
type ArtifactCache struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// New creates an artifact cache. TTL defaults to 5 minutes.
func New(client RedisClient, keyPrefix string, ttl time.Duration) *ArtifactCache {
	if keyPrefix == "" {
		keyPrefix = "shield:"
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &ArtifactCache{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// PutSnapshot caches a consensus snapshot. Failures are logged, never
// surfaced.
func (c *ArtifactCache) PutSnapshot(ctx context.Context, claimID string, snap consensus.Snapshot) {
	c.put(ctx, c.keyPrefix+"snap:"+claimID, snap)
}

// GetSnapshot returns the cached snapshot for a claim, if present.
func (c *ArtifactCache) GetSnapshot(ctx context.Context, claimID string) (consensus.Snapshot, bool) {
	var snap consensus.Snapshot
	ok := c.get(ctx, c.keyPrefix+"snap:"+claimID, &snap)
	return snap, ok
}

// PutProof caches a final proof bundle.
func (c *ArtifactCache) PutProof(ctx context.Context, claimID string, proof *evidence.ProofBundle) {
	c.put(ctx, c.keyPrefix+"proof:"+claimID, proof)
}

// GetProof returns the cached proof bundle for a claim, if present.
func (c *ArtifactCache) GetProof(ctx context.Context, claimID string) (*evidence.ProofBundle, bool) {
	var proof evidence.ProofBundle
	if !c.get(ctx, c.keyPrefix+"proof:"+claimID, &proof) {
		return nil, false
	}
	return &proof, true
}

// Invalidate drops both artifacts for a claim.
func (c *ArtifactCache) Invalidate(ctx context.Context, claimID string) {
	if err := c.client.Del(ctx, c.keyPrefix+"snap:"+claimID, c.keyPrefix+"proof:"+claimID); err != nil {
		slog.Warn("cache invalidate failed", "claim", claimID, "error", err)
	}
}

func (c *ArtifactCache) put(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

func (c *ArtifactCache) get(ctx context.Context, key string, v interface{}) bool {
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("cache unmarshal failed", "key", key, "error", err)
		return false
	}
	return true
}
