package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fincoord/internal/testutil"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
)

var epoch = time.Unix(1_700_000_000, 0)

func newTestLimiter(cfg Config) (*Limiter, *testutil.Clock) {
	clock := testutil.NewClock(epoch)
	l := New(testutil.NewMemStore(clock), cfg,
		WithClock(clock.Now),
		WithLogger(zerolog.Nop()),
	)
	return l, clock
}

func TestCheck_SlidingWindowScenario(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: 60 * time.Second, MaxRequests: 3}

	steps := []struct {
		at            time.Duration
		wantAllowed   bool
		wantRemaining int
	}{
		{0, true, 2},
		{10 * time.Second, true, 1},
		{20 * time.Second, true, 0},
		{30 * time.Second, false, 0},
		{65 * time.Second, true, 0},
	}

	for _, step := range steps {
		clock.Set(epoch.Add(step.at))

		res, err := l.Check(ctx, "10.0.0.1", rule)
		require.NoError(t, err)

		if res.Allowed != step.wantAllowed {
			t.Errorf("t=%s: allowed = %v, want %v", step.at, res.Allowed, step.wantAllowed)
		}
		if res.Remaining != step.wantRemaining {
			t.Errorf("t=%s: remaining = %d, want %d", step.at, res.Remaining, step.wantRemaining)
		}
		if res.Limit != 3 {
			t.Errorf("t=%s: limit = %d, want 3", step.at, res.Limit)
		}
		if want := clock.Now().Add(60 * time.Second); !res.ResetTime.Equal(want) {
			t.Errorf("t=%s: reset = %v, want %v", step.at, res.ResetTime, want)
		}
		if step.at == 30*time.Second && res.RetryAfter != 30*time.Second {
			// Oldest entry (t=0) leaves the window at t=60.
			t.Errorf("t=30s: retryAfter = %v, want 30s", res.RetryAfter)
		}
	}
}

func TestCheck_WindowBoundaryIsInclusive(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: time.Second, MaxRequests: 1}

	res, _ := l.Check(ctx, "u1", rule)
	require.True(t, res.Allowed)

	clock.Advance(time.Second)
	res, _ = l.Check(ctx, "u1", rule)
	assert.False(t, res.Allowed, "entry exactly one window old is still counted")

	clock.Advance(time.Millisecond)
	res, _ = l.Check(ctx, "u1", rule)
	assert.True(t, res.Allowed)
}

func TestCheck_ResetTimeNeverInPast(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	rule := Rule{Window: 5 * time.Second, MaxRequests: 2}

	for i := 0; i < 10; i++ {
		res, err := l.Check(context.Background(), "k", rule)
		require.NoError(t, err)
		assert.False(t, res.ResetTime.Before(clock.Now()))
		clock.Advance(700 * time.Millisecond)
	}
}

func TestCheck_Blocking(t *testing.T) {
	l, clock := newTestLimiter(Config{EnableBlocking: true})
	ctx := context.Background()
	rule := Rule{Window: 10 * time.Second, MaxRequests: 2, BlockDuration: 30 * time.Second}

	for i := 0; i < 2; i++ {
		res, err := l.Check(ctx, "abuser", rule)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Check(ctx, "abuser", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	// Well past the window, still blocked.
	clock.Advance(29 * time.Second)
	res, err = l.Check(ctx, "abuser", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, time.Second, res.RetryAfter)

	blocked, remaining, err := l.IsBlocked(ctx, "abuser")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, time.Second, remaining)

	// Block lapses; the window restarts from empty.
	clock.Advance(time.Second)
	res, err = l.Check(ctx, "abuser", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.False(t, res.Blocked)
	assert.Equal(t, 1, res.Remaining)
}

func TestCheck_BlockedCallerDoesNotConsumeWindow(t *testing.T) {
	l, clock := newTestLimiter(Config{EnableBlocking: true})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 3, BlockDuration: 5 * time.Second}

	require.NoError(t, l.Block(ctx, "client", 5*time.Second))

	for i := 0; i < 10; i++ {
		res, _ := l.Check(ctx, "client", rule)
		require.False(t, res.Allowed)
	}

	clock.Advance(5 * time.Second)
	status, err := l.Status(ctx, "client", rule)
	require.NoError(t, err)
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Count)
	assert.Equal(t, 3, status.Remaining)
}

func TestCheck_BlockingDisabled(t *testing.T) {
	l, _ := newTestLimiter(Config{EnableBlocking: false})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 1, BlockDuration: time.Hour}

	_, _ = l.Check(ctx, "x", rule)
	res, err := l.Check(ctx, "x", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.False(t, res.Blocked)

	blocked, _, err := l.IsBlocked(ctx, "x")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestCheck_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	rule := Rule{Window: time.Minute, MaxRequests: 5}

	const callers = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "shared", rule)
			if err != nil {
				t.Errorf("Check() error = %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestCheck_IdentifierNormalization(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 2}

	_, _ = l.Check(ctx, "api-key:AbCdEf", rule)
	res, err := l.Check(ctx, "  api-key:AbCdEf ", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining, "surrounding whitespace is trimmed")
}

func TestCheck_IdentifiersAreCaseSensitive(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 1}

	first, err := l.Check(ctx, "api-key:AbCdEf", rule)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	other, err := l.Check(ctx, "api-key:aBcDeF", rule)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys differing only in case have separate windows")

	again, err := l.Check(ctx, "api-key:AbCdEf", rule)
	require.NoError(t, err)
	assert.False(t, again.Allowed)
}

func TestCheck_Validation(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	valid := Rule{Window: time.Minute, MaxRequests: 10}

	tests := []struct {
		name string
		id   string
		rule Rule
	}{
		{"empty identifier", "", valid},
		{"blank identifier", "   ", valid},
		{"inner whitespace", "a b", valid},
		{"zero window", "ok", Rule{MaxRequests: 1}},
		{"zero max", "ok", Rule{Window: time.Second}},
		{"negative block", "ok", Rule{Window: time.Second, MaxRequests: 1, BlockDuration: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.Check(context.Background(), tt.id, tt.rule)
			if !IsValidationError(err) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if res.Allowed {
				t.Error("invalid input must not be admitted")
			}
		})
	}
}

func TestCheck_FailOpen(t *testing.T) {
	m := metrics.New(nil)
	l := New(testutil.BrokenStore{}, Config{EnableBlocking: true},
		WithLogger(zerolog.Nop()),
		WithMetrics(m),
	)
	rule := Rule{Window: time.Minute, MaxRequests: 7, BlockDuration: time.Minute}

	res, err := l.Check(context.Background(), "10.0.0.9", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, 7, res.Remaining)
	assert.Equal(t, 7, res.Limit)

	assert.Equal(t, float64(1), promtest.ToFloat64(m.StoreDegraded.WithLabelValues("ratelimit")))
	assert.Equal(t, float64(1), promtest.ToFloat64(m.RateLimitChecks.WithLabelValues("sliding_window", "degraded")))

	bucket, err := l.TokenBucket(context.Background(), "10.0.0.9", 10, 1, 1)
	require.NoError(t, err)
	assert.True(t, bucket.Allowed)
	assert.True(t, bucket.Degraded)
}

func TestAdminOperations_ReportStoreErrors(t *testing.T) {
	l := New(testutil.BrokenStore{}, Config{}, WithLogger(zerolog.Nop()))
	ctx := context.Background()

	_, _, err := l.IsBlocked(ctx, "x")
	assert.True(t, store.IsUnavailable(err))
	assert.True(t, store.IsUnavailable(l.Block(ctx, "x", time.Second)))
	assert.True(t, store.IsUnavailable(l.Unblock(ctx, "x")))
	assert.True(t, store.IsUnavailable(l.Reset(ctx, "x")))
}

func TestTokenBucket(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	ctx := context.Background()

	for i := int64(4); i >= 0; i-- {
		res, err := l.TokenBucket(ctx, "bucket", 5, 1, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, i, res.Tokens)
		assert.Equal(t, int64(5), res.Capacity)
	}

	res, err := l.TokenBucket(ctx, "bucket", 5, 1, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	// 1.5s refills one token; the extra half second carries over.
	clock.Advance(1500 * time.Millisecond)
	res, _ = l.TokenBucket(ctx, "bucket", 5, 1, 1)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Tokens)

	clock.Advance(500 * time.Millisecond)
	res, _ = l.TokenBucket(ctx, "bucket", 5, 1, 1)
	assert.True(t, res.Allowed, "carried refill time completes the next token")
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	ctx := context.Background()

	_, _ = l.TokenBucket(ctx, "b", 3, 10, 3)
	clock.Advance(time.Hour)

	res, err := l.TokenBucket(ctx, "b", 3, 10, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Tokens)
}

func TestTokenBucket_OversizedRequestNeverSucceeds(t *testing.T) {
	l, clock := newTestLimiter(Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.TokenBucket(ctx, "b", 5, 100, 6)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Zero(t, res.RetryAfter)
		clock.Advance(24 * time.Hour)
	}
}

func TestTokenBucket_Validation(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx := context.Background()

	tests := []struct {
		name      string
		id        string
		capacity  int64
		rate      float64
		requested int64
	}{
		{"zero capacity", "a", 0, 1, 1},
		{"zero rate", "a", 1, 0, 1},
		{"zero requested", "a", 1, 1, 0},
		{"bad identifier", "", 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := l.TokenBucket(ctx, tt.id, tt.capacity, tt.rate, tt.requested)
			assert.True(t, IsValidationError(err), "error = %v", err)
			assert.False(t, res.Allowed)
		})
	}
}

func TestStatusDoesNotRecord(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 3}

	_, _ = l.Check(ctx, "s", rule)
	_, _ = l.Check(ctx, "s", rule)

	for i := 0; i < 3; i++ {
		status, err := l.Status(ctx, "s", rule)
		require.NoError(t, err)
		assert.Equal(t, 2, status.Count)
		assert.Equal(t, 1, status.Remaining)
		assert.False(t, status.Blocked)
	}
}

func TestBlockUnblockReset(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	ctx := context.Background()
	rule := Rule{Window: time.Minute, MaxRequests: 1}

	require.NoError(t, l.Block(ctx, "Target", time.Minute))

	res, _ := l.Check(ctx, "target", rule)
	assert.True(t, res.Blocked)

	require.NoError(t, l.Unblock(ctx, "target"))
	res, _ = l.Check(ctx, "target", rule)
	assert.True(t, res.Allowed)

	res, _ = l.Check(ctx, "target", rule)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "target"))
	res, _ = l.Check(ctx, "target", rule)
	assert.True(t, res.Allowed)

	assert.Error(t, l.Block(ctx, "target", 0))
}
