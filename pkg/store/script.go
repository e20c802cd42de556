package store

import (
	"fmt"
	"strconv"
	"time"
)

// Tx is the synchronous command set available to a script's Go rendition.
// Implementations hold exclusive access to the keyspace for the duration of
// the script, so nothing here takes a context or returns transport errors.
type Tx interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	Del(keys ...string) int64
	Expire(key string, ttl time.Duration) bool
	TTL(key string) (time.Duration, bool)

	ZAdd(key string, score float64, member string)
	ZRemRangeByScore(key string, min, max float64) int64
	ZCard(key string) int64
	// ZFirst returns the lowest-scored member.
	ZFirst(key string) (member string, score float64, ok bool)

	SAdd(key string, members ...string) int64
	SCard(key string) int64

	HGetAll(key string) map[string]string
	HSet(key string, fields map[string]string)
}

// ApplyFunc is the Go rendition of a script. It receives keys and args in
// the same order as the Lua rendition receives KEYS and ARGV.
type ApplyFunc func(tx Tx, keys []string, args []string) ([]int64, error)

// Script is a multi-step update with an all-or-nothing, linearizable
// contract. Stores with server-side scripting execute Source; stores without
// it execute Apply while holding exclusive access. Both renditions must
// return the same integers for the same input.
type Script struct {
	name   string
	source string
	apply  ApplyFunc
}

// NewScript creates a script from its Lua source and Go rendition.
func NewScript(name, source string, apply ApplyFunc) *Script {
	return &Script{name: name, source: source, apply: apply}
}

// Name identifies the script in logs and errors.
func (s *Script) Name() string { return s.name }

// Source returns the Lua rendition.
func (s *Script) Source() string { return s.source }

// Apply runs the Go rendition.
func (s *Script) Apply(tx Tx, keys []string, args []string) ([]int64, error) {
	if s.apply == nil {
		return nil, fmt.Errorf("script %s has no go rendition", s.name)
	}
	return s.apply(tx, keys, args)
}

// ArgStrings renders script args the way Redis would receive them.
func ArgStrings(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = v
		case []byte:
			out[i] = string(v)
		case int:
			out[i] = strconv.Itoa(v)
		case int64:
			out[i] = strconv.FormatInt(v, 10)
		case float64:
			out[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			if v {
				out[i] = "1"
			} else {
				out[i] = "0"
			}
		default:
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// ParseInt parses an integer script argument.
func ParseInt(args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing script argument %d", i)
	}
	v, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("script argument %d: %w", i, err)
	}
	return v, nil
}

// ParseFloat parses a numeric script argument.
func ParseFloat(args []string, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing script argument %d", i)
	}
	v, err := strconv.ParseFloat(args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("script argument %d: %w", i, err)
	}
	return v, nil
}
