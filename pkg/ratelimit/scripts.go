package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/Sternrassler/fincoord/pkg/store"
)

// slidingWindowScript checks the block record, trims the window, admits the
// request if there is room and issues a block on overflow.
//
// KEYS[1] window sorted set, KEYS[2] block record
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member,
// ARGV[5] block duration (ms, 0 = no blocking)
//
// Returns {count, admitted, oldest entry (ms), block ttl (ms)}.
var slidingWindowScript = store.NewScript("sliding_window", `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local block = tonumber(ARGV[5])

local blockTTL = redis.call('PTTL', KEYS[2])
if blockTTL > 0 then
  return {0, 0, 0, blockTTL}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window - 1)
local count = redis.call('ZCARD', KEYS[1])

if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window * 2)
  local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {count + 1, 1, tonumber(first[2]), 0}
end

local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest = tonumber(first[2]) or 0

if block > 0 then
  redis.call('SET', KEYS[2], now + block, 'PX', block)
  redis.call('DEL', KEYS[1])
  return {count, 0, oldest, block}
end

redis.call('PEXPIRE', KEYS[1], window * 2)
return {count, 0, oldest, 0}
`, applySlidingWindow)

func applySlidingWindow(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) != 2 || len(args) != 5 {
		return nil, fmt.Errorf("sliding_window: want 2 keys and 5 args, got %d and %d", len(keys), len(args))
	}
	now, err := store.ParseInt(args, 0)
	if err != nil {
		return nil, err
	}
	window, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	limit, err := store.ParseInt(args, 2)
	if err != nil {
		return nil, err
	}
	block, err := store.ParseInt(args, 4)
	if err != nil {
		return nil, err
	}
	windowKey, blockKey := keys[0], keys[1]

	if ttl, ok := tx.TTL(blockKey); ok && ttl > 0 {
		return []int64{0, 0, 0, ceilMillis(ttl)}, nil
	}

	tx.ZRemRangeByScore(windowKey, math.Inf(-1), float64(now-window-1))
	count := tx.ZCard(windowKey)

	if count < limit {
		tx.ZAdd(windowKey, float64(now), args[3])
		tx.Expire(windowKey, time.Duration(window*2)*time.Millisecond)
		_, first, _ := tx.ZFirst(windowKey)
		return []int64{count + 1, 1, int64(first), 0}, nil
	}

	_, first, _ := tx.ZFirst(windowKey)

	if block > 0 {
		tx.Set(blockKey, strconv.FormatInt(now+block, 10), time.Duration(block)*time.Millisecond)
		tx.Del(windowKey)
		return []int64{count, 0, int64(first), block}, nil
	}

	tx.Expire(windowKey, time.Duration(window*2)*time.Millisecond)
	return []int64{count, 0, int64(first), 0}, nil
}

// blockScript writes a block record and clears the window so it restarts
// from empty once the block lapses.
//
// KEYS[1] block record, KEYS[2] window sorted set
// ARGV[1] now (ms), ARGV[2] block duration (ms)
//
// Returns {block expiry (ms)}.
var blockScript = store.NewScript("block", `
local expiry = tonumber(ARGV[1]) + tonumber(ARGV[2])
redis.call('SET', KEYS[1], expiry, 'PX', ARGV[2])
redis.call('DEL', KEYS[2])
return {expiry}
`, applyBlock)

func applyBlock(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) != 2 || len(args) != 2 {
		return nil, fmt.Errorf("block: want 2 keys and 2 args, got %d and %d", len(keys), len(args))
	}
	now, err := store.ParseInt(args, 0)
	if err != nil {
		return nil, err
	}
	d, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	expiry := now + d
	tx.Set(keys[0], strconv.FormatInt(expiry, 10), time.Duration(d)*time.Millisecond)
	tx.Del(keys[1])
	return []int64{expiry}, nil
}

// tokenBucketScript refills a bucket lazily and debits the requested
// tokens if enough are available. Refill time not converted into whole
// tokens is carried forward in last_refill.
//
// KEYS[1] bucket hash {tokens, last_refill}
// ARGV[1] now (ms), ARGV[2] capacity, ARGV[3] refill per second,
// ARGV[4] requested, ARGV[5] key ttl (ms)
//
// Returns {allowed, tokens, last_refill (ms)}.
var tokenBucketScript = store.NewScript("token_bucket", `
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
local add = math.floor(elapsed * rate / 1000)
if add > 0 then
  tokens = tokens + add
  if tokens >= capacity then
    tokens = capacity
    last = now
  else
    last = last + math.floor(add * 1000 / rate)
  end
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if requested <= tokens then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', last)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {allowed, tokens, last}
`, applyTokenBucket)

func applyTokenBucket(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) != 1 || len(args) != 5 {
		return nil, fmt.Errorf("token_bucket: want 1 key and 5 args, got %d and %d", len(keys), len(args))
	}
	now, err := store.ParseInt(args, 0)
	if err != nil {
		return nil, err
	}
	capacity, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	rate, err := store.ParseFloat(args, 2)
	if err != nil {
		return nil, err
	}
	requested, err := store.ParseInt(args, 3)
	if err != nil {
		return nil, err
	}
	ttl, err := store.ParseInt(args, 4)
	if err != nil {
		return nil, err
	}

	state := tx.HGetAll(keys[0])
	tokens, errTokens := strconv.ParseInt(state["tokens"], 10, 64)
	last, errLast := strconv.ParseInt(state["last_refill"], 10, 64)
	if errTokens != nil || errLast != nil {
		tokens, last = capacity, now
	}

	elapsed := now - last
	if elapsed < 0 {
		elapsed = 0
	}
	add := int64(math.Floor(float64(elapsed) * rate / 1000))
	if add > 0 {
		tokens += add
		if tokens >= capacity {
			tokens, last = capacity, now
		} else {
			last += int64(math.Floor(float64(add) * 1000 / rate))
		}
	}
	if tokens > capacity {
		tokens = capacity
	}

	var allowed int64
	if requested <= tokens {
		tokens -= requested
		allowed = 1
	}

	tx.HSet(keys[0], map[string]string{
		"tokens":      strconv.FormatInt(tokens, 10),
		"last_refill": strconv.FormatInt(last, 10),
	})
	tx.Expire(keys[0], time.Duration(ttl)*time.Millisecond)
	return []int64{allowed, tokens, last}, nil
}
