// Package redisstore implements store.Store on top of go-redis.
//
// Every call runs under its own timeout so a degraded Redis turns into a
// fast store.ErrUnavailable instead of a stalled request. Scripts are loaded
// once per store and executed with EVALSHA, falling back to EVAL when the
// server's script cache was flushed.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/fincoord/pkg/store"
)

const (
	// DefaultOpTimeout bounds every store call.
	DefaultOpTimeout = 250 * time.Millisecond

	scanBatch = 200
)

// Store is a store.Store backed by Redis.
type Store struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	scripts sync.Map // *store.Script -> *redis.Script
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key, e.g. per tenant.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithOpTimeout sets the per-call timeout. Non-positive disables it.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &Store{client: client, timeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromURL parses a redis:// URL, connects and verifies the connection.
func NewFromURL(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	s, err := New(client, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return s, nil
}

// Client returns the underlying client.
func (s *Store) Client() redis.UniversalClient { return s.client }

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) keys(ks []string) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = s.prefix + k
	}
	return out
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get", key, err)
	}
	return data, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return store.Unavailable("set", key, err)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.Del(ctx, s.keys(keys)...).Result()
	if err != nil {
		return 0, store.Unavailable("delete", strings.Join(keys, ","), err)
	}
	return n, nil
}

// Expire implements store.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ok, err := s.client.PExpire(ctx, s.key(key), ttl).Result()
	if err != nil {
		return false, store.Unavailable("expire", key, err)
	}
	return ok, nil
}

// TTL implements store.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, store.Unavailable("ttl", key, err)
	}
	// PTTL returns -2 for a missing key and -1 for a key without expiry.
	switch ttl {
	case -2, -2 * time.Millisecond:
		return 0, store.ErrNotFound
	case -1, -1 * time.Millisecond:
		return -1, nil
	}
	return ttl, nil
}

// Exists implements store.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, store.Unavailable("exists", key, err)
	}
	return n > 0, nil
}

// ZAdd implements store.Store.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return store.Unavailable("zadd", key, err)
	}
	return nil
}

// ZRemRangeByScore implements store.Store.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.ZRemRangeByScore(ctx, s.key(key), formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, store.Unavailable("zremrangebyscore", key, err)
	}
	return n, nil
}

// ZCount implements store.Store.
func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.ZCount(ctx, s.key(key), formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, store.Unavailable("zcount", key, err)
	}
	return n, nil
}

// ZCard implements store.Store.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n, err := s.client.ZCard(ctx, s.key(key)).Result()
	if err != nil {
		return 0, store.Unavailable("zcard", key, err)
	}
	return n, nil
}

// SAdd implements store.Store.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.SAdd(ctx, s.key(key), toAny(members)...).Err(); err != nil {
		return store.Unavailable("sadd", key, err)
	}
	return nil
}

// SRem implements store.Store.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.key(key), toAny(members)...).Err(); err != nil {
		return store.Unavailable("srem", key, err)
	}
	return nil
}

// SMembers implements store.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, store.Unavailable("smembers", key, err)
	}
	return members, nil
}

// HGetAll implements store.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, store.Unavailable("hgetall", key, err)
	}
	return fields, nil
}

// Scan implements store.Store. It walks the keyspace with SCAN so large
// databases are never blocked by KEYS. The per-call timeout covers the
// whole walk.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.key(pattern), scanBatch).Result()
		if err != nil {
			return nil, store.Unavailable("scan", pattern, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Run implements store.Store using the script's Lua rendition.
func (s *Store) Run(ctx context.Context, script *store.Script, keys []string, args ...any) ([]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rs, ok := s.scripts.Load(script)
	if !ok {
		rs, _ = s.scripts.LoadOrStore(script, redis.NewScript(script.Source()))
	}
	raw, err := rs.(*redis.Script).Run(ctx, s.client, s.keys(keys), args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.Unavailable("run", script.Name(), err)
	}
	res, err := toInts(raw)
	if err != nil {
		return nil, store.Unavailable("run", script.Name(), err)
	}
	return res, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Unavailable("ping", "", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func formatScore(v float64) string {
	switch {
	case v > 1e300:
		return "+inf"
	case v < -1e300:
		return "-inf"
	}
	return fmt.Sprintf("%.0f", v)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}

func toInts(raw any) ([]int64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int64:
		return []int64{v}, nil
	case []any:
		out := make([]int64, len(v))
		for i, item := range v {
			n, ok := item.(int64)
			if !ok {
				return nil, fmt.Errorf("script result %d: unexpected type %T", i, item)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected script result type %T", raw)
	}
}
