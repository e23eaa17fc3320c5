// Package storeutil implements the shared content-addressed
// get-or-compute-with-TTL primitive behind both C9 stores (spec.md §4.9):
// an embedding cache and a workstack step cache. Both need the same
// "atomic get-or-compute, then time-based cleanup" shape, so the shape
// lives here once and each store supplies only its own key/value framing.
//
// Generalized from internal/cache.DedupeCache's touch/prune idiom: that
// cache only ever stored a boolean "seen" timestamp per key; Backend
// stores an arbitrary byte payload per key under the same TTL-pruning
// discipline.
package storeutil

import (
	"context"
	"sync"
	"time"
)

// Backend is the minimal contract either store needs: compute a value for
// a key at most once per TTL window, and forget entries once they expire.
type Backend interface {
	// GetOrCompute returns the cached value for key if present and
	// unexpired; otherwise it calls compute, stores the result under ttl,
	// and returns it. Concurrent calls for the same key never run compute
	// more than once.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error)

	// Clear evicts every entry.
	Clear(ctx context.Context) error
}

type entry struct {
	value     []byte
	expiresAt int64 // unix milli; 0 means no expiry
}

func (e entry) expired(nowUnixMilli int64) bool {
	return e.expiresAt > 0 && nowUnixMilli >= e.expiresAt
}

// MemoryBackend is an in-process Backend: a map guarded by a mutex, with
// per-key singleflight so concurrent misses for the same key share one
// compute call, plus lazy expiry pruning on every write — the same
// touch/prune discipline as DedupeCache, generalized to store a value
// instead of a boolean.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]entry
	inFlight map[string]*sync.WaitGroup
	now     func() time.Time
}

// NewMemoryBackend builds an empty in-memory Backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]entry),
		inFlight: make(map[string]*sync.WaitGroup),
		now:      time.Now,
	}
}

func (b *MemoryBackend) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	for {
		b.mu.Lock()
		nowMilli := b.now().UnixMilli()
		if e, ok := b.entries[key]; ok && !e.expired(nowMilli) {
			b.mu.Unlock()
			return e.value, nil
		}
		if wg, computing := b.inFlight[key]; computing {
			b.mu.Unlock()
			wg.Wait()
			continue // retry: the in-flight compute populated (or failed to populate) the entry
		}

		wg := &sync.WaitGroup{}
		wg.Add(1)
		b.inFlight[key] = wg
		b.mu.Unlock()

		value, err := compute(ctx)

		b.mu.Lock()
		delete(b.inFlight, key)
		if err == nil {
			var expiresAt int64
			if ttl > 0 {
				expiresAt = nowMilli + ttl.Milliseconds()
			}
			b.entries[key] = entry{value: value, expiresAt: expiresAt}
			b.prune(nowMilli)
		}
		b.mu.Unlock()
		wg.Done()

		return value, err
	}
}

func (b *MemoryBackend) prune(nowMilli int64) {
	for k, e := range b.entries {
		if e.expired(nowMilli) {
			delete(b.entries, k)
		}
	}
}

func (b *MemoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]entry)
	return nil
}
