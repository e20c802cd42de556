package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
)

// AwarePrefix namespaces values written by Aware.
const AwarePrefix = "ca:"

// Aware provides cache-aside helpers over arbitrary JSON-encodable values.
// Keys are caller-chosen and namespaced under AwarePrefix; a key containing
// '*' passed to Invalidate is treated as a glob pattern.
type Aware struct {
	store      store.Store
	defaultTTL time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	group      singleflight.Group
}

// NewAware creates an Aware. A non-positive defaultTTL uses DefaultTTL.
func NewAware(s store.Store, defaultTTL time.Duration, opts ...AwareOption) *Aware {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	a := &Aware{
		store:      s,
		defaultTTL: defaultTTL,
		logger:     logging.NewLogger(logging.ComponentCache),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = metrics.OrNew(a.metrics)
	return a
}

// AwareOption configures an Aware.
type AwareOption func(*Aware)

// WithAwareLogger sets the logger.
func WithAwareLogger(logger zerolog.Logger) AwareOption {
	return func(a *Aware) { a.logger = logger }
}

// WithAwareMetrics sets the collectors.
func WithAwareMetrics(m *metrics.Metrics) AwareOption {
	return func(a *Aware) { a.metrics = m }
}

func (a *Aware) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return a.defaultTTL
	}
	return ttl
}

// lookup returns the cached value for key. A store failure is logged and
// reported as a miss.
func lookup[T any](ctx context.Context, a *Aware, key string) (T, bool) {
	var zero T
	data, err := a.store.Get(ctx, AwarePrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.metrics.CacheErrors.WithLabelValues("get").Inc()
			a.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		a.metrics.CacheMisses.Inc()
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		a.metrics.CacheErrors.WithLabelValues("decode").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cached value")
		_, _ = a.store.Delete(ctx, AwarePrefix+key)
		return zero, false
	}
	a.metrics.CacheHits.Inc()
	return v, true
}

// put writes v under key. Failures are logged and swallowed.
func (a *Aware) put(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		a.metrics.CacheErrors.WithLabelValues("encode").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Value not cacheable")
		return
	}
	if err := a.store.Set(ctx, AwarePrefix+key, data, a.ttl(ttl)); err != nil {
		a.metrics.CacheErrors.WithLabelValues("set").Inc()
		a.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		return
	}
	a.metrics.CacheStoredBytes.Add(float64(len(data)))
}

// GetOrFetch returns the cached value for key or calls fetch, caches its
// result for ttl and returns it. Concurrent misses for the same key within
// this process and for the same T share one fetch. Fetch errors are
// returned and not cached.
func GetOrFetch[T any](ctx context.Context, a *Aware, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := lookup[T](ctx, a, key); ok {
		return v, nil
	}

	flight := reflect.TypeFor[T]().String() + "|" + key
	res, err, _ := a.group.Do(flight, func() (any, error) {
		// Another caller may have filled the key while we waited.
		if v, ok := lookup[T](ctx, a, key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}
		if !isNil(v) {
			a.put(ctx, key, v, ttl)
		}
		return v, nil
	})
	var zero T
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %s holds %T, want %T", ErrTypeMismatch, key, res, zero)
	}
	return v, nil
}

// InvalidateAfter runs op and, only if it succeeds, invalidates keys.
// Invalidation failures are logged; op's result is returned either way.
func InvalidateAfter[T any](ctx context.Context, a *Aware, keys []string, op func(context.Context) (T, error)) (T, error) {
	v, err := op(ctx)
	if err != nil {
		return v, err
	}
	if _, ierr := a.Invalidate(ctx, keys...); ierr != nil {
		a.logger.Error().Err(ierr).Strs("keys", keys).Msg("Invalidation after mutation failed")
	}
	return v, nil
}

// CacheResult runs compute and stores its result under key, skipping nil
// results. The value is returned even if storing failed.
func CacheResult[T any](ctx context.Context, a *Aware, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if !isNil(v) {
		a.put(ctx, key, v, ttl)
	}
	return v, nil
}

// Invalidate removes keys; keys containing '*' are glob patterns. It
// returns the number of entries removed.
func (a *Aware) Invalidate(ctx context.Context, keys ...string) (int64, error) {
	var exact []string
	for _, key := range keys {
		if !strings.Contains(key, "*") {
			exact = append(exact, AwarePrefix+key)
			continue
		}
		matched, err := a.store.Scan(ctx, AwarePrefix+key)
		if err != nil {
			return 0, fmt.Errorf("invalidate %s: %w", key, err)
		}
		exact = append(exact, matched...)
	}
	if len(exact) == 0 {
		return 0, nil
	}
	n, err := a.store.Delete(ctx, exact...)
	if err != nil {
		return 0, fmt.Errorf("invalidate: %w", err)
	}
	a.metrics.InvalidationKeysDeleted.Add(float64(n))
	return n, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
