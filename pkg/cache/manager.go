package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrTooLarge indicates a body above Config.MaxSize; nothing was stored.
	ErrTooLarge = errors.New("response too large to cache")

	// ErrTypeMismatch indicates a shared fetch produced a value of another type.
	ErrTypeMismatch = errors.New("cached value type mismatch")
)

// DefaultMaxSize is the largest body stored when Config.MaxSize is zero.
const DefaultMaxSize = 1 << 20

// setScript stores an entry and adds its key to every tag set, extending
// tag sets so they outlive their members.
//
// KEYS[1] entry, KEYS[2..] tag sets
// ARGV[1] encoded entry, ARGV[2] ttl (ms), ARGV[3] entry key
var setScript = store.NewScript("cache_set", `
local ttl = tonumber(ARGV[2])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
for i = 2, #KEYS do
  redis.call('SADD', KEYS[i], ARGV[3])
  if redis.call('PTTL', KEYS[i]) < ttl then
    redis.call('PEXPIRE', KEYS[i], ttl)
  end
end
return {#KEYS - 1}
`, func(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) < 1 || len(args) != 3 {
		return nil, fmt.Errorf("cache_set: want at least 1 key and 3 args, got %d and %d", len(keys), len(args))
	}
	ttlMs, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(ttlMs) * time.Millisecond

	tx.Set(keys[0], args[0], ttl)
	for _, tagKey := range keys[1:] {
		tx.SAdd(tagKey, args[2])
		if cur, ok := tx.TTL(tagKey); !ok || cur < ttl {
			tx.Expire(tagKey, ttl)
		}
	}
	return []int64{int64(len(keys) - 1)}, nil
})

// Config controls the response cache.
type Config struct {
	// DefaultTTL applies to entries without an explicit TTL.
	DefaultTTL time.Duration

	// MaxSize is the largest body in bytes that is stored.
	MaxSize int64
}

// Manager stores CachedResponses in a store.
type Manager struct {
	store   store.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(s store.Store, cfg Config, opts ...Option) *Manager {
	if s == nil {
		panic("cache: store cannot be nil")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	m := &Manager{
		store:  s,
		cfg:    cfg,
		logger: logging.NewLogger(logging.ComponentCache),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = metrics.OrNew(m.metrics)
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// TagKey is the store key of a tag set.
func TagKey(tag string) string { return KeyPrefix + ":tag:" + tag }

// Get retrieves an entry. It returns ErrCacheMiss when the key is absent
// or stale, and a wrapped store.ErrUnavailable when the store failed.
func (m *Manager) Get(ctx context.Context, key string) (*CachedResponse, error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		m.metrics.CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var entry CachedResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		m.metrics.CacheErrors.WithLabelValues("get").Inc()
		_, _ = m.store.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if entry.IsExpired(m.now()) {
		_, _ = m.store.Delete(ctx, key)
		m.metrics.CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	m.metrics.CacheHits.Inc()
	m.logger.Debug().Str("key", key).Msg("Cache hit")
	return &entry, nil
}

// Set stores entry under entry.Key until entry.Expires and registers its
// tags. Bodies above MaxSize return ErrTooLarge; stale entries are
// silently skipped.
func (m *Manager) Set(ctx context.Context, entry *CachedResponse) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidEntry)
	}
	if int64(len(entry.Body)) > m.cfg.MaxSize {
		m.metrics.CacheSkipped.WithLabelValues("too_large").Inc()
		m.logger.Debug().
			Str("key", entry.Key).
			Int("size", len(entry.Body)).
			Int64("max_size", m.cfg.MaxSize).
			Msg("Response too large to cache")
		return ErrTooLarge
	}

	if entry.Expires.IsZero() {
		entry.Expires = entry.StoredAt.Add(m.cfg.DefaultTTL)
	}
	ttl := entry.TTL(m.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	keys := make([]string, 0, len(entry.Tags)+1)
	keys = append(keys, entry.Key)
	for _, tag := range entry.Tags {
		keys = append(keys, TagKey(tag))
	}

	if _, err := m.store.Run(ctx, setScript, keys, data, ceilMillis(ttl), entry.Key); err != nil {
		m.metrics.CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set: %w", err)
	}

	m.metrics.CacheStoredBytes.Add(float64(len(data)))
	m.logger.Debug().
		Str("key", entry.Key).
		Dur("ttl", ttl).
		Strs("tags", entry.Tags).
		Msg("Response cached")
	return nil
}

// Delete removes entries by exact key and returns how many existed.
func (m *Manager) Delete(ctx context.Context, keys ...string) (int64, error) {
	n, err := m.store.Delete(ctx, keys...)
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("delete").Inc()
		return 0, fmt.Errorf("cache delete: %w", err)
	}
	return n, nil
}

// InvalidatePattern removes every key matching a glob pattern.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := m.store.Scan(ctx, pattern)
	if err != nil {
		m.metrics.CacheErrors.WithLabelValues("scan").Inc()
		return 0, fmt.Errorf("cache scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := m.Delete(ctx, keys...)
	if err != nil {
		return 0, err
	}
	m.logger.Debug().Str("key", pattern).Int64("deleted", n).Msg("Pattern invalidated")
	return n, nil
}

// InvalidateTags removes every entry registered under the tags, and the
// tag sets themselves.
func (m *Manager) InvalidateTags(ctx context.Context, tags ...string) (int64, error) {
	var total int64
	for _, tag := range tags {
		tagKey := TagKey(tag)
		members, err := m.store.SMembers(ctx, tagKey)
		if err != nil {
			m.metrics.CacheErrors.WithLabelValues("tags").Inc()
			return total, fmt.Errorf("cache tag %s: %w", tag, err)
		}
		if len(members) > 0 {
			n, err := m.Delete(ctx, members...)
			if err != nil {
				return total, err
			}
			total += n
		}
		if _, err := m.Delete(ctx, tagKey); err != nil {
			return total, err
		}
	}
	return total, nil
}

func ceilMillis(d time.Duration) int64 {
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}
