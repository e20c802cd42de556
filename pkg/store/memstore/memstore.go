// Package memstore provides an in-process store.Store with Redis-compatible
// semantics for strings, sorted sets, sets and hashes.
//
// All data lives in a single map guarded by one mutex. Scripts execute their
// Go rendition while the mutex is held, which gives them the same
// all-or-nothing contract a Redis script has. State is local to the process,
// so memstore does not coordinate across replicas; use it for tests, local
// development and single-instance deployments.
//
// Expiry is evaluated lazily on access against the configured clock, which
// lets tests move time forward deterministically.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/fincoord/pkg/store"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memstore closed")

type kind uint8

const (
	kindString kind = iota
	kindZSet
	kindSet
	kindHash
)

type value struct {
	kind      kind
	str       string
	zset      map[string]float64
	set       map[string]struct{}
	hash      map[string]string
	expiresAt time.Time // zero means no expiry
}

// Store is an in-process store.Store.
type Store struct {
	mu     sync.Mutex
	data   map[string]*value
	now    func() time.Time
	closed bool
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*value),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.data {
		if s.lookup(key) != nil {
			n++
		}
	}
	return n
}

// lookup returns the live value at key, dropping it if expired.
// Callers must hold s.mu.
func (s *Store) lookup(key string) *value {
	v, ok := s.data[key]
	if !ok {
		return nil
	}
	if !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return v
}

// begin locks the store and checks ctx and the closed flag.
func (s *Store) begin(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(op, key, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.Unavailable(op, key, ErrClosed)
	}
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.begin(ctx, "get", key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	v := s.lookup(key)
	if v == nil || v.kind != kindString {
		return nil, store.ErrNotFound
	}
	return []byte(v.str), nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.begin(ctx, "set", key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	(*txn)(s).Set(key, string(val), ttl)
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := s.begin(ctx, "delete", ""); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return (*txn)(s).Del(keys...), nil
}

// Expire implements store.Store.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.begin(ctx, "expire", key); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	return (*txn)(s).Expire(key, ttl), nil
}

// TTL implements store.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.begin(ctx, "ttl", key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	ttl, ok := (*txn)(s).TTL(key)
	if !ok {
		return 0, store.ErrNotFound
	}
	return ttl, nil
}

// Exists implements store.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.begin(ctx, "exists", key); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	return s.lookup(key) != nil, nil
}

// ZAdd implements store.Store.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.begin(ctx, "zadd", key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	(*txn)(s).ZAdd(key, score, member)
	return nil
}

// ZRemRangeByScore implements store.Store.
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := s.begin(ctx, "zremrangebyscore", key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return (*txn)(s).ZRemRangeByScore(key, min, max), nil
}

// ZCount implements store.Store.
func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := s.begin(ctx, "zcount", key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	v := s.lookup(key)
	if v == nil || v.kind != kindZSet {
		return 0, nil
	}
	var n int64
	for _, score := range v.zset {
		if score >= min && score <= max {
			n++
		}
	}
	return n, nil
}

// ZCard implements store.Store.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.begin(ctx, "zcard", key); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return (*txn)(s).ZCard(key), nil
}

// SAdd implements store.Store.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if err := s.begin(ctx, "sadd", key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	(*txn)(s).SAdd(key, members...)
	return nil
}

// SRem implements store.Store.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if err := s.begin(ctx, "srem", key); err != nil {
		return err
	}
	defer s.mu.Unlock()

	v := s.lookup(key)
	if v == nil || v.kind != kindSet {
		return nil
	}
	for _, m := range members {
		delete(v.set, m)
	}
	if len(v.set) == 0 {
		delete(s.data, key)
	}
	return nil
}

// SMembers implements store.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := s.begin(ctx, "smembers", key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	v := s.lookup(key)
	if v == nil || v.kind != kindSet {
		return []string{}, nil
	}
	members := make([]string, 0, len(v.set))
	for m := range v.set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// HGetAll implements store.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := s.begin(ctx, "hgetall", key); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	return (*txn)(s).HGetAll(key), nil
}

// Scan implements store.Store.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := s.begin(ctx, "scan", pattern); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var keys []string
	for key := range s.data {
		if s.lookup(key) == nil {
			continue
		}
		if Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Run implements store.Store. The Go rendition runs under the store lock.
func (s *Store) Run(ctx context.Context, script *store.Script, keys []string, args ...any) ([]int64, error) {
	if err := s.begin(ctx, "run", script.Name()); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	res, err := script.Apply((*txn)(s), keys, store.ArgStrings(args))
	if err != nil {
		return nil, store.Unavailable("run", script.Name(), err)
	}
	return res, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.begin(ctx, "ping", ""); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// Close implements store.Store. Subsequent calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
