package storeutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrComputeCallsComputeOnceOnMiss(t *testing.T) {
	b := NewMemoryBackend()
	var calls int32

	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}

	v1, err := b.GetOrCompute(context.Background(), "k", time.Hour, compute)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	v2, err := b.GetOrCompute(context.Background(), "k", time.Hour, compute)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(v1) != "value" || string(v2) != "value" {
		t.Fatalf("unexpected values: %q %q", v1, v2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected compute to run once, ran %d times", calls)
	}
}

func TestGetOrComputeConcurrentMissesShareOneCompute(t *testing.T) {
	b := NewMemoryBackend()
	var calls int32
	start := make(chan struct{})

	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return []byte("value"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := b.GetOrCompute(context.Background(), "k", time.Hour, compute)
			if err != nil {
				t.Errorf("compute %d: %v", idx, err)
				return
			}
			results[idx] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let every goroutine reach the in-flight wait
	close(start)
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected compute to run exactly once across concurrent misses, ran %d times", calls)
	}
	for i, v := range results {
		if string(v) != "value" {
			t.Fatalf("result %d: unexpected value %q", i, v)
		}
	}
}

func TestGetOrComputeExpiresAfterTTL(t *testing.T) {
	b := NewMemoryBackend()
	nowFn := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return nowFn }

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}

	if _, err := b.GetOrCompute(context.Background(), "k", time.Minute, compute); err != nil {
		t.Fatalf("first call: %v", err)
	}

	nowFn = nowFn.Add(2 * time.Minute)
	if _, err := b.GetOrCompute(context.Background(), "k", time.Minute, compute); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected compute to run again after TTL expiry, ran %d times", calls)
	}
}

func TestGetOrComputeDoesNotCacheErrors(t *testing.T) {
	b := NewMemoryBackend()
	var calls int32

	compute := func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, context.DeadlineExceeded
		}
		return []byte("value"), nil
	}

	if _, err := b.GetOrCompute(context.Background(), "k", time.Hour, compute); err == nil {
		t.Fatal("expected first call to fail")
	}
	v, err := b.GetOrCompute(context.Background(), "k", time.Hour, compute)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("unexpected value: %q", v)
	}
}

func TestClearRemovesEntries(t *testing.T) {
	b := NewMemoryBackend()
	_, _ = b.GetOrCompute(context.Background(), "k", time.Hour, func(ctx context.Context) ([]byte, error) {
		return []byte("value"), nil
	})
	if err := b.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	var calls int32
	_, _ = b.GetOrCompute(context.Background(), "k", time.Hour, func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	})
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatal("expected a cleared key to be recomputed")
	}
}
