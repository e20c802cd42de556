package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
)

const (
	algoWindow = "sliding_window"
	algoBucket = "token_bucket"

	// DefaultKeyPrefix namespaces all limiter keys.
	DefaultKeyPrefix = "rl"
)

// Config controls limiter-wide behaviour.
type Config struct {
	// EnableBlocking issues a block record when a window check fails and
	// the rule carries a BlockDuration.
	EnableBlocking bool

	// KeyPrefix namespaces keys. Default: "rl".
	KeyPrefix string
}

// Limiter enforces rate limits against a shared store.
type Limiter struct {
	store   store.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(s store.Store, cfg Config, opts ...Option) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	l := &Limiter{
		store:  s,
		cfg:    cfg,
		logger: logging.NewLogger(logging.ComponentRateLimit),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics = metrics.OrNew(l.metrics)
	return l
}

func (l *Limiter) windowKey(id string) string { return l.cfg.KeyPrefix + ":sw:" + id }
func (l *Limiter) blockKey(id string) string  { return l.cfg.KeyPrefix + ":block:" + id }
func (l *Limiter) bucketKey(id string) string { return l.cfg.KeyPrefix + ":tb:" + id }

// Check records an attempt for identifier against rule.
//
// A live block record short-circuits to a rejection without touching the
// window. Only admitted attempts are recorded, so rejected callers do not
// extend their own lockout. Identifier or rule validation failures return
// the error together with a non-admitting result; store failures are
// swallowed and yield an allowed, degraded result.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (Result, error) {
	start := time.Now()
	defer func() {
		l.metrics.RateLimitDuration.WithLabelValues(algoWindow).Observe(time.Since(start).Seconds())
	}()

	if err := rule.Validate(); err != nil {
		return Result{Limit: rule.MaxRequests}, err
	}
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return Result{Limit: rule.MaxRequests}, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := ceilMillis(rule.Window)
	resetTime := now.Add(rule.Window)

	var blockMs int64
	if l.cfg.EnableBlocking && rule.BlockDuration > 0 {
		blockMs = ceilMillis(rule.BlockDuration)
	}

	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := l.store.Run(ctx, slidingWindowScript,
		[]string{l.windowKey(id), l.blockKey(id)},
		nowMs, windowMs, rule.MaxRequests, member, blockMs)
	if err == nil && len(res) != 4 {
		err = fmt.Errorf("sliding window script returned %d values", len(res))
	}
	if err != nil {
		return l.failOpenWindow(id, rule, resetTime, err), nil
	}

	count, admitted, oldest, blockTTL := res[0], res[1] == 1, res[2], res[3]

	if blockTTL > 0 && !admitted {
		retry := time.Duration(blockTTL) * time.Millisecond
		result := Result{
			Limit:      rule.MaxRequests,
			Remaining:  0,
			ResetTime:  resetTime,
			RetryAfter: retry,
			Blocked:    true,
		}
		if count > 0 {
			// Block issued by this very check.
			l.metrics.RateLimitBlocks.Inc()
			l.logger.Info().
				Str("identifier", id).
				Dur("block_duration", retry).
				Msg("Rate limit exceeded, identifier blocked")
		}
		l.metrics.RateLimitChecks.WithLabelValues(algoWindow, "blocked").Inc()
		return result, nil
	}

	result := Result{
		Allowed:   admitted,
		Limit:     rule.MaxRequests,
		Remaining: max(0, rule.MaxRequests-int(count)),
		ResetTime: resetTime,
	}
	if !admitted {
		result.Remaining = 0
		if oldest > 0 {
			result.RetryAfter = max(0, time.Duration(oldest+windowMs-nowMs)*time.Millisecond)
		}
		l.metrics.RateLimitChecks.WithLabelValues(algoWindow, "rejected").Inc()
		l.logger.Debug().
			Str("identifier", id).
			Int64("count", count).
			Dur("retry_after", result.RetryAfter).
			Msg("Rate limit exceeded")
		return result, nil
	}

	l.metrics.RateLimitChecks.WithLabelValues(algoWindow, "allowed").Inc()
	return result, nil
}

func (l *Limiter) failOpenWindow(id string, rule Rule, resetTime time.Time, err error) Result {
	l.degraded(algoWindow, id, err)
	return Result{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests,
		ResetTime: resetTime,
		Degraded:  true,
	}
}

func (l *Limiter) degraded(algo, id string, err error) {
	l.metrics.RateLimitChecks.WithLabelValues(algo, "degraded").Inc()
	l.metrics.StoreDegraded.WithLabelValues(logging.ComponentRateLimit).Inc()
	l.logger.Warn().
		Err(err).
		Str("identifier", id).
		Str("algorithm", algo).
		Bool("degraded", true).
		Msg("Store unavailable, allowing request")
}

// TokenBucket debits requested tokens from identifier's bucket of the
// given capacity, refilled at refillPerSecond. A request larger than the
// capacity never succeeds.
func (l *Limiter) TokenBucket(ctx context.Context, identifier string, capacity int64, refillPerSecond float64, requested int64) (BucketResult, error) {
	start := time.Now()
	defer func() {
		l.metrics.RateLimitDuration.WithLabelValues(algoBucket).Observe(time.Since(start).Seconds())
	}()

	if capacity <= 0 {
		return BucketResult{Capacity: capacity}, fmt.Errorf("%w: capacity must be positive", ErrInvalidRule)
	}
	if refillPerSecond <= 0 || math.IsInf(refillPerSecond, 0) || math.IsNaN(refillPerSecond) {
		return BucketResult{Capacity: capacity}, fmt.Errorf("%w: refill rate must be positive", ErrInvalidRule)
	}
	if requested <= 0 {
		return BucketResult{Capacity: capacity}, fmt.Errorf("%w: requested tokens must be positive", ErrInvalidRule)
	}
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return BucketResult{Capacity: capacity}, err
	}

	nowMs := l.now().UnixMilli()
	fullRefillMs := int64(math.Ceil(float64(capacity) * 1000 / refillPerSecond))
	ttlMs := max(2*fullRefillMs, 1000)

	res, err := l.store.Run(ctx, tokenBucketScript, []string{l.bucketKey(id)},
		nowMs, capacity, refillPerSecond, requested, ttlMs)
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("token bucket script returned %d values", len(res))
	}
	if err != nil {
		l.degraded(algoBucket, id, err)
		return BucketResult{Allowed: true, Tokens: capacity, Capacity: capacity, Degraded: true}, nil
	}

	result := BucketResult{
		Allowed:  res[0] == 1,
		Tokens:   res[1],
		Capacity: capacity,
	}
	if result.Allowed {
		l.metrics.RateLimitChecks.WithLabelValues(algoBucket, "allowed").Inc()
		return result, nil
	}

	l.metrics.RateLimitChecks.WithLabelValues(algoBucket, "rejected").Inc()
	if requested <= capacity {
		last := res[2]
		needMs := int64(math.Ceil(float64(requested-result.Tokens) * 1000 / refillPerSecond))
		result.RetryAfter = max(0, time.Duration(last+needMs-nowMs)*time.Millisecond)
	}
	return result, nil
}

// Block blocks identifier for d regardless of its window state.
func (l *Limiter) Block(ctx context.Context, identifier string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: block duration must be positive", ErrInvalidRule)
	}
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return err
	}
	if _, err := l.store.Run(ctx, blockScript, []string{l.blockKey(id), l.windowKey(id)},
		l.now().UnixMilli(), ceilMillis(d)); err != nil {
		return fmt.Errorf("block %s: %w", id, err)
	}
	l.metrics.RateLimitBlocks.Inc()
	l.logger.Info().Str("identifier", id).Dur("block_duration", d).Msg("Identifier blocked")
	return nil
}

// IsBlocked reports whether identifier has a live block record and how
// long it remains.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return false, 0, err
	}
	ttl, err := l.store.TTL(ctx, l.blockKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("block state %s: %w", id, err)
	}
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// Unblock removes identifier's block record. The window stays empty.
func (l *Limiter) Unblock(ctx context.Context, identifier string) error {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return err
	}
	if _, err := l.store.Delete(ctx, l.blockKey(id)); err != nil {
		return fmt.Errorf("unblock %s: %w", id, err)
	}
	l.logger.Info().Str("identifier", id).Msg("Identifier unblocked")
	return nil
}

// Status reports identifier's current window usage without recording an
// attempt.
func (l *Limiter) Status(ctx context.Context, identifier string, rule Rule) (Status, error) {
	if err := rule.Validate(); err != nil {
		return Status{}, err
	}
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return Status{}, err
	}

	now := l.now()
	nowMs := now.UnixMilli()
	status := Status{Limit: rule.MaxRequests, ResetTime: now.Add(rule.Window)}

	blocked, remaining, err := l.IsBlocked(ctx, id)
	if err != nil {
		return status, err
	}
	if blocked {
		status.Blocked = true
		status.RetryAfter = remaining
		return status, nil
	}

	count, err := l.store.ZCount(ctx, l.windowKey(id), float64(nowMs-ceilMillis(rule.Window)), float64(nowMs))
	if err != nil {
		return status, fmt.Errorf("window state %s: %w", id, err)
	}
	status.Count = int(count)
	status.Remaining = max(0, rule.MaxRequests-int(count))
	return status, nil
}

// Reset clears identifier's window, block record and token bucket.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return err
	}
	if _, err := l.store.Delete(ctx, l.windowKey(id), l.blockKey(id), l.bucketKey(id)); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	l.logger.Info().Str("identifier", id).Msg("Rate limit state reset")
	return nil
}
