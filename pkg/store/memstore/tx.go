package memstore

import (
	"time"

	"github.com/Sternrassler/fincoord/pkg/store"
)

// txn is the lock-free view of a Store used inside scripts. The caller
// holds s.mu for the whole lifetime of a txn.
type txn Store

var _ store.Tx = (*txn)(nil)

func (t *txn) s() *Store { return (*Store)(t) }

// typed returns the live value at key if it has kind k, creating it when
// absent. A value of another kind is replaced.
func (t *txn) typed(key string, k kind) *value {
	v := t.s().lookup(key)
	if v != nil && v.kind == k {
		return v
	}
	v = &value{kind: k}
	switch k {
	case kindZSet:
		v.zset = make(map[string]float64)
	case kindSet:
		v.set = make(map[string]struct{})
	case kindHash:
		v.hash = make(map[string]string)
	}
	t.data[key] = v
	return v
}

func (t *txn) Get(key string) (string, bool) {
	v := t.s().lookup(key)
	if v == nil || v.kind != kindString {
		return "", false
	}
	return v.str, true
}

func (t *txn) Set(key, val string, ttl time.Duration) {
	v := &value{kind: kindString, str: val}
	if ttl > 0 {
		v.expiresAt = t.now().Add(ttl)
	}
	t.data[key] = v
}

func (t *txn) Del(keys ...string) int64 {
	var n int64
	for _, key := range keys {
		if t.s().lookup(key) != nil {
			delete(t.data, key)
			n++
		}
	}
	return n
}

// Expire follows PEXPIRE: a non-positive ttl deletes the key.
func (t *txn) Expire(key string, ttl time.Duration) bool {
	v := t.s().lookup(key)
	if v == nil {
		return false
	}
	if ttl <= 0 {
		delete(t.data, key)
		return true
	}
	v.expiresAt = t.now().Add(ttl)
	return true
}

func (t *txn) TTL(key string) (time.Duration, bool) {
	v := t.s().lookup(key)
	if v == nil {
		return 0, false
	}
	if v.expiresAt.IsZero() {
		return -1, true
	}
	return v.expiresAt.Sub(t.now()), true
}

func (t *txn) ZAdd(key string, score float64, member string) {
	v := t.typed(key, kindZSet)
	v.zset[member] = score
}

func (t *txn) ZRemRangeByScore(key string, min, max float64) int64 {
	v := t.s().lookup(key)
	if v == nil || v.kind != kindZSet {
		return 0
	}
	var n int64
	for member, score := range v.zset {
		if score >= min && score <= max {
			delete(v.zset, member)
			n++
		}
	}
	if len(v.zset) == 0 {
		delete(t.data, key)
	}
	return n
}

func (t *txn) ZCard(key string) int64 {
	v := t.s().lookup(key)
	if v == nil || v.kind != kindZSet {
		return 0
	}
	return int64(len(v.zset))
}

func (t *txn) ZFirst(key string) (string, float64, bool) {
	v := t.s().lookup(key)
	if v == nil || v.kind != kindZSet || len(v.zset) == 0 {
		return "", 0, false
	}
	first := true
	var best string
	var bestScore float64
	for member, score := range v.zset {
		if first || score < bestScore || (score == bestScore && member < best) {
			best, bestScore, first = member, score, false
		}
	}
	return best, bestScore, true
}

func (t *txn) SAdd(key string, members ...string) int64 {
	v := t.typed(key, kindSet)
	var added int64
	for _, m := range members {
		if _, ok := v.set[m]; !ok {
			v.set[m] = struct{}{}
			added++
		}
	}
	return added
}

func (t *txn) SCard(key string) int64 {
	v := t.s().lookup(key)
	if v == nil || v.kind != kindSet {
		return 0
	}
	return int64(len(v.set))
}

func (t *txn) HGetAll(key string) map[string]string {
	out := make(map[string]string)
	v := t.s().lookup(key)
	if v == nil || v.kind != kindHash {
		return out
	}
	for f, val := range v.hash {
		out[f] = val
	}
	return out
}

func (t *txn) HSet(key string, fields map[string]string) {
	v := t.typed(key, kindHash)
	for f, val := range fields {
		v.hash[f] = val
	}
}
