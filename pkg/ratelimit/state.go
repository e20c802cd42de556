// Package ratelimit implements admission control over a shared store.
//
// Two algorithms are available. Check runs a sliding window log per
// identifier with an optional block record issued when the window
// overflows. TokenBucket runs a lazily refilled bucket. Every multi-step
// update executes as one store script, so concurrent processes checking the
// same identifier never see a torn state.
//
// When the store is unavailable a check fails open: the request is allowed
// and the result carries Degraded=true.
package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrInvalidRule is returned for non-positive windows or limits.
	ErrInvalidRule = errors.New("ratelimit: invalid rule")

	// ErrInvalidIdentifier is returned for empty identifiers or
	// identifiers containing whitespace.
	ErrInvalidIdentifier = errors.New("ratelimit: invalid identifier")
)

// Rule describes a sliding window limit.
type Rule struct {
	// Window is the length of the sliding window.
	Window time.Duration

	// MaxRequests is the number of admitted requests per window.
	MaxRequests int

	// BlockDuration is how long an identifier stays blocked after
	// overflowing the window. Zero disables blocking for this rule.
	BlockDuration time.Duration
}

// Validate reports whether the rule can be enforced.
func (r Rule) Validate() error {
	if r.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidRule, r.Window)
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidRule, r.MaxRequests)
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("%w: block duration must not be negative", ErrInvalidRule)
	}
	return nil
}

// Result is the outcome of a sliding window check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int

	// ResetTime is now + window at the time of the check.
	ResetTime time.Time

	// RetryAfter is set on rejection: the remaining block time, or the time
	// until the oldest entry leaves the window.
	RetryAfter time.Duration

	// Blocked reports that a block record rejected the request.
	Blocked bool

	// Degraded reports that the store was unavailable and the request was
	// allowed without enforcement.
	Degraded bool
}

// BucketResult is the outcome of a token bucket check.
type BucketResult struct {
	Allowed    bool
	Tokens     int64
	Capacity   int64
	RetryAfter time.Duration
	Degraded   bool
}

// Status is a read-only view of an identifier's window and block state.
type Status struct {
	Count      int
	Limit      int
	Remaining  int
	ResetTime  time.Time
	Blocked    bool
	RetryAfter time.Duration
}

// NormalizeIdentifier trims id. Case is preserved since API keys are
// case-sensitive. IP addresses, API keys and user ids are all accepted as
// long as they contain no inner whitespace.
func NormalizeIdentifier(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidIdentifier)
	}
	return id, nil
}

// IsValidationError reports whether err came from identifier or rule
// validation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRule) || errors.Is(err, ErrInvalidIdentifier)
}

func ceilMillis(d time.Duration) int64 {
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int64(ms)
}
