// Package stepcache implements the C9 workstack step cache (spec.md
// §4.9): (sequence_id, step_index, input_hash) → output_bytes, with a
// per-entry TTL, enabling deterministic replay of a multi-step tool
// sequence without re-running a step whose exact input was already seen.
package stepcache

import (
	"context"
	"fmt"
	"time"

	"github.com/corestated/corestated/internal/stores/storeutil"
)

// DefaultTTL bounds how long a step's cached output is replayed before a
// fresh run is forced.
const DefaultTTL = 1 * time.Hour

// Cache caches one multi-step sequence's per-step outputs.
type Cache struct {
	backend storeutil.Backend
	ttl     time.Duration
}

// New builds a Cache over backend. ttl <= 0 uses DefaultTTL.
func New(backend storeutil.Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{backend: backend, ttl: ttl}
}

func key(sequenceID string, stepIndex int, inputHash string) string {
	return fmt.Sprintf("%s/%d/%s", sequenceID, stepIndex, inputHash)
}

// GetOrCompute returns the cached output for this exact (sequence, step,
// input) triple, computing and storing it via compute on a miss.
func (c *Cache) GetOrCompute(ctx context.Context, sequenceID string, stepIndex int, inputHash string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return c.backend.GetOrCompute(ctx, key(sequenceID, stepIndex, inputHash), c.ttl, compute)
}
