package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimiter is implemented by *ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Result, error)
}

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	Rule ratelimit.Rule
	// KeyFunc defaults to FirstOf(ByPrincipal, ByIP).
	KeyFunc KeyFunc
	// Skip exempts requests, e.g. health checks.
	Skip   func(*http.Request) bool
	Logger *zerolog.Logger
}

// RateLimit admits or rejects requests with a sliding window per
// identifier. Every decision sets the X-RateLimit-* headers; rejections
// reply 429 with Retry-After. A degraded (fail-open) decision passes.
func RateLimit(l RateLimiter, opts RateLimitOptions) Middleware {
	if opts.KeyFunc == nil {
		opts.KeyFunc = FirstOf(ByPrincipal, ByIP)
	}
	logger := loggerOr(opts.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Skip != nil && opts.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Check(r.Context(), opts.KeyFunc(r), opts.Rule)
			if err != nil {
				if errors.Is(err, ratelimit.ErrInvalidRule) {
					logger.Error().Err(err).Msg("Misconfigured rate limit rule, passing request")
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusBadRequest, ErrorBody{
					Error:   "bad_request",
					Message: "Request could not be identified for rate limiting",
				})
				return
			}

			h := w.Header()
			h.Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
			h.Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetTime.Unix(), 10))

			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := retrySeconds(res.RetryAfter)
			reset := res.ResetTime
			if res.Blocked {
				// ResetTime is window-based; a block may end later.
				if end := res.ResetTime.Add(-opts.Rule.Window).Add(res.RetryAfter); end.After(reset) {
					reset = end
				}
			}
			h.Set(HeaderRetryAfter, strconv.FormatInt(retry, 10))
			writeJSON(w, http.StatusTooManyRequests, RateLimitBody{
				Error:      "rate_limit_exceeded",
				Message:    fmt.Sprintf("Too many requests, retry after %d seconds", retry),
				RetryAfter: retry,
				Limit:      res.Limit,
				ResetTime:  reset.UTC().Format(time.RFC3339),
			})
		})
	}
}

// retrySeconds rounds d up to whole seconds, with a minimum of one.
func retrySeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return max(s, 1)
}
