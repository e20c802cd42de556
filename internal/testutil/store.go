package testutil

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/fincoord/pkg/store"
	"github.com/Sternrassler/fincoord/pkg/store/memstore"
)

// ErrInjected is the cause carried by every BrokenStore failure.
var ErrInjected = errors.New("injected store failure")

// NewMemStore returns a memstore driven by clock.
func NewMemStore(clock *Clock) *memstore.Store {
	return memstore.New(memstore.WithClock(clock.Now))
}

// BrokenStore fails every call with store.ErrUnavailable, the way a
// timed-out or unreachable backend does.
type BrokenStore struct{}

var _ store.Store = BrokenStore{}

func fail(op, key string) error {
	return store.Unavailable(op, key, ErrInjected)
}

func (BrokenStore) Get(_ context.Context, key string) ([]byte, error) {
	return nil, fail("get", key)
}

func (BrokenStore) Set(_ context.Context, key string, _ []byte, _ time.Duration) error {
	return fail("set", key)
}

func (BrokenStore) Delete(context.Context, ...string) (int64, error) {
	return 0, fail("delete", "")
}

func (BrokenStore) Expire(_ context.Context, key string, _ time.Duration) (bool, error) {
	return false, fail("expire", key)
}

func (BrokenStore) TTL(_ context.Context, key string) (time.Duration, error) {
	return 0, fail("ttl", key)
}

func (BrokenStore) Exists(_ context.Context, key string) (bool, error) {
	return false, fail("exists", key)
}

func (BrokenStore) ZAdd(_ context.Context, key string, _ float64, _ string) error {
	return fail("zadd", key)
}

func (BrokenStore) ZRemRangeByScore(_ context.Context, key string, _, _ float64) (int64, error) {
	return 0, fail("zremrangebyscore", key)
}

func (BrokenStore) ZCount(_ context.Context, key string, _, _ float64) (int64, error) {
	return 0, fail("zcount", key)
}

func (BrokenStore) ZCard(_ context.Context, key string) (int64, error) {
	return 0, fail("zcard", key)
}

func (BrokenStore) SAdd(_ context.Context, key string, _ ...string) error {
	return fail("sadd", key)
}

func (BrokenStore) SRem(_ context.Context, key string, _ ...string) error {
	return fail("srem", key)
}

func (BrokenStore) SMembers(_ context.Context, key string) ([]string, error) {
	return nil, fail("smembers", key)
}

func (BrokenStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return nil, fail("hgetall", key)
}

func (BrokenStore) Scan(_ context.Context, pattern string) ([]string, error) {
	return nil, fail("scan", pattern)
}

func (BrokenStore) Run(_ context.Context, script *store.Script, _ []string, _ ...any) ([]int64, error) {
	return nil, fail("run", script.Name())
}

func (BrokenStore) Ping(context.Context) error { return fail("ping", "") }

func (BrokenStore) Close() error { return nil }
