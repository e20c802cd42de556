package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fincoord/internal/testutil"
	"github.com/Sternrassler/fincoord/pkg/store/memstore"
)

type offer struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func newAware() (*Aware, *memstore.Store, *testutil.Clock) {
	clock := testutil.NewClock(epoch)
	s := testutil.NewMemStore(clock)
	return NewAware(s, time.Minute, WithAwareLogger(zerolog.Nop())), s, clock
}

func TestGetOrFetch_CallsFetcherOncePerTTL(t *testing.T) {
	a, _, clock := newAware()
	ctx := context.Background()

	var calls int
	fetch := func(context.Context) ([]offer, error) {
		calls++
		return []offer{{ID: "o1", Amount: 1500}}, nil
	}

	for i := 0; i < 5; i++ {
		got, err := GetOrFetch(ctx, a, "offers:u1", 30*time.Second, fetch)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "o1", got[0].ID)
		clock.Advance(5 * time.Second)
	}
	assert.Equal(t, 1, calls)

	clock.Advance(10 * time.Second)
	_, err := GetOrFetch(ctx, a, "offers:u1", 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "fetches again after the TTL")

	_, err = a.Invalidate(ctx, "offers:u1")
	require.NoError(t, err)
	_, err = GetOrFetch(ctx, a, "offers:u1", 30*time.Second, fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "fetches again after invalidation")
}

func TestGetOrFetch_ErrorsAreNotCached(t *testing.T) {
	a, s, _ := newAware()
	ctx := context.Background()
	boom := errors.New("upstream down")

	_, err := GetOrFetch(ctx, a, "k", 0, func(context.Context) (*offer, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, s.Len())
}

func TestGetOrFetch_NilNotCached(t *testing.T) {
	a, s, _ := newAware()

	got, err := GetOrFetch(context.Background(), a, "k", 0, func(context.Context) (*offer, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, s.Len())
}

func TestGetOrFetch_CoalescesConcurrentMisses(t *testing.T) {
	a, _, _ := newAware()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrFetch(context.Background(), a, "hot", time.Minute, fetch)
			if err != nil {
				t.Errorf("GetOrFetch() error = %v", err)
			}
			results <- v
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, 42, v)
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestGetOrFetch_DistinctTypesDoNotShareAFetch(t *testing.T) {
	a, _, _ := newAware()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	type result struct {
		v   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := GetOrFetch(ctx, a, "shared", 0, func(context.Context) (int, error) {
			close(started)
			<-release
			return 42, nil
		})
		done <- result{v, err}
	}()
	<-started

	s, err := GetOrFetch(ctx, a, "shared", 0, func(context.Context) (string, error) {
		return "text", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "text", s)

	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 42, r.v)
}

func TestGetOrFetch_StoreDownFallsThrough(t *testing.T) {
	a := NewAware(testutil.BrokenStore{}, time.Minute, WithAwareLogger(zerolog.Nop()))

	var calls int
	for i := 0; i < 3; i++ {
		v, err := GetOrFetch(context.Background(), a, "k", time.Minute, func(context.Context) (string, error) {
			calls++
			return "live", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "live", v)
	}
	assert.Equal(t, 3, calls)
}

func TestInvalidateAfter(t *testing.T) {
	a, _, _ := newAware()
	ctx := context.Background()

	seed := func() {
		_, _ = CacheResult(ctx, a, "user:1:profile", 0, func(context.Context) (string, error) { return "p", nil })
		_, _ = CacheResult(ctx, a, "user:1:offers", 0, func(context.Context) (string, error) { return "o", nil })
	}
	cached := func(key string) bool {
		hit := true
		_, _ = GetOrFetch(ctx, a, key, 0, func(context.Context) (string, error) {
			hit = false
			return "", errors.New("not cached")
		})
		return hit
	}

	seed()
	boom := errors.New("write failed")
	_, err := InvalidateAfter(ctx, a, []string{"user:1:*"}, func(context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, cached("user:1:profile"), "failed operations do not invalidate")

	v, err := InvalidateAfter(ctx, a, []string{"user:1:*"}, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.False(t, cached("user:1:profile"))
	assert.False(t, cached("user:1:offers"))
}

func TestInvalidateAfter_StoreDownStillSucceeds(t *testing.T) {
	a := NewAware(testutil.BrokenStore{}, time.Minute, WithAwareLogger(zerolog.Nop()))

	v, err := InvalidateAfter(context.Background(), a, []string{"k"}, func(context.Context) (string, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestCacheResult(t *testing.T) {
	a, s, _ := newAware()
	ctx := context.Background()

	v, err := CacheResult(ctx, a, "rate", 0, func(context.Context) (offer, error) {
		return offer{ID: "r", Amount: 3.5}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r", v.ID)

	ttl, err := s.TTL(ctx, AwarePrefix+"rate")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl, "default TTL applies")

	var m map[string]int
	_, err = CacheResult(ctx, a, "nil-map", 0, func(context.Context) (map[string]int, error) {
		return m, nil
	})
	require.NoError(t, err)
	exists, _ := s.Exists(ctx, AwarePrefix+"nil-map")
	assert.False(t, exists)
}
