package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type pairKey struct {
	a string
	b int
}

func (k pairKey) CacheKey() string {
	return fmt.Sprintf("%s_%d", k.a, k.b)
}

func TestGetOrLoad_CachesResult(t *testing.T) {
	c := New[pairKey, string]("test", 10)
	var calls int32

	load := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), pairKey{"x", 1}, load)
		if err != nil {
			t.Fatalf("GetOrLoad failed: %v", err)
		}
		if v != "value" {
			t.Errorf("Expected value, got %s", v)
		}
	}

	if calls != 1 {
		t.Errorf("Expected 1 load, got %d", calls)
	}
}

func TestGetOrLoad_DeduplicatesConcurrentLoads(t *testing.T) {
	c := New[pairKey, int]("test", 10)
	var calls int32
	release := make(chan struct{})

	load := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), pairKey{"same", 7}, load)
			if err != nil {
				t.Errorf("GetOrLoad failed: %v", err)
			}
			results[i] = v
		}(i)
	}

	// give every caller time to join the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("Expected exactly 1 underlying load, got %d", calls)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("caller %d: expected 42, got %d", i, v)
		}
	}
}

func TestGetOrLoad_DistinctKeysLoadSeparately(t *testing.T) {
	c := New[pairKey, string]("test", 10)
	var calls int32
	load := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	_, _ = c.GetOrLoad(context.Background(), pairKey{"a", 1}, load)
	_, _ = c.GetOrLoad(context.Background(), pairKey{"a", 2}, load)

	if calls != 2 {
		t.Errorf("Expected 2 loads, got %d", calls)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c.Len())
	}
}

func TestGetOrLoad_ErrorsAreNotCached(t *testing.T) {
	c := New[StringKey, string]("test", 10)
	boom := errors.New("boom")
	var calls int32

	failing := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", boom
	}

	if _, err := c.GetOrLoad(context.Background(), "k", failing); !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if _, ok := c.Peek("k"); ok {
		t.Error("Failed load must not be cached")
	}

	v, err := c.GetOrLoad(context.Background(), "k", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Errorf("Expected ok after retry, got %q, %v", v, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 loads, got %d", calls)
	}
}

func TestGetOrLoad_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[StringKey, string]("test", 2)
	load := func(v string) LoadFunc[string] {
		return func(ctx context.Context) (string, error) { return v, nil }
	}
	ctx := context.Background()

	_, _ = c.GetOrLoad(ctx, "a", load("a"))
	_, _ = c.GetOrLoad(ctx, "b", load("b"))
	_, _ = c.GetOrLoad(ctx, "a", load("a")) // touch a
	_, _ = c.GetOrLoad(ctx, "c", load("c")) // evicts b

	if _, ok := c.Peek("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if _, ok := c.Peek("a"); !ok {
		t.Error("Expected a to be retained")
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after purge, got %d", c.Len())
	}
}

func TestGetOrLoad_CanceledCallerDoesNotFailOthers(t *testing.T) {
	c := New[StringKey, int]("test", 10)
	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value

	load := func(ctx context.Context) (int, error) {
		close(started)
		<-release
		loadErr.Store(fmt.Sprint(ctx.Err()))
		return 42, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, "k", load)
		firstErr <- err
	}()
	<-started

	second := make(chan int, 1)
	go func() {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		if err != nil {
			t.Errorf("Expected no error for the second caller, got %v", err)
		}
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled for the first caller, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the canceled caller to return while the load is running")
	}

	close(release)
	if v := <-second; v != 42 {
		t.Errorf("Expected 42, got %d", v)
	}
	if got := loadErr.Load(); got != "<nil>" {
		t.Errorf("Expected the load context to stay live, got %v", got)
	}
	if v, ok := c.Peek("k"); !ok || v != 42 {
		t.Errorf("Expected 42 to be cached, got %d, %v", v, ok)
	}
}

func TestStore_CapacityIsShared(t *testing.T) {
	s := NewStore(2)
	names := Attach[StringKey, string](s, "names")
	sizes := Attach[StringKey, int](s, "sizes")
	ctx := context.Background()

	_, _ = names.GetOrLoad(ctx, "a", func(ctx context.Context) (string, error) { return "a", nil })
	_, _ = sizes.GetOrLoad(ctx, "a", func(ctx context.Context) (int, error) { return 1, nil })
	_, _ = sizes.GetOrLoad(ctx, "b", func(ctx context.Context) (int, error) { return 2, nil })

	if s.Len() != 2 {
		t.Errorf("Expected 2 entries in the store, got %d", s.Len())
	}
	if _, ok := names.Peek("a"); ok {
		t.Error("Expected names/a to be evicted by the other cache")
	}
	if v, ok := sizes.Peek("a"); !ok || v != 1 {
		t.Errorf("Expected sizes/a to be kept apart from names/a, got %d, %v", v, ok)
	}
	if names.Len() != 0 || sizes.Len() != 2 {
		t.Errorf("Expected 0 and 2 entries, got %d and %d", names.Len(), sizes.Len())
	}

	sizes.Purge()
	if s.Len() != 0 {
		t.Errorf("Expected empty store after purge, got %d", s.Len())
	}
}
