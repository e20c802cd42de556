// Package upstream fetches external HTTP resources through the response
// cache, with an outgoing request budget and retries.
//
// Fresh cached responses are served without a request. A request carrying
// "Cache-Control: no-cache" revalidates the cached entry with
// If-None-Match/If-Modified-Since, and a 304 refreshes the entry.
//
// Example:
//
//	up := upstream.New(cacheManager,
//		upstream.WithBudget(limiter, upstream.Budget{Capacity: 20, RefillPerSecond: 5}),
//		upstream.WithUserAgent("fincoord/1.0"),
//	)
//	rates, err := upstream.GetJSON[[]Rate](ctx, up, "https://rates.example.com/v1/rates")
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/cache"
	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/ratelimit"
)

// KeyPrefix starts every upstream cache key.
const KeyPrefix = "up"

// Values of the X-Cache header on returned responses.
const (
	CacheHit         = "HIT"
	CacheMiss        = "MISS"
	CacheRevalidated = "REVALIDATED"
)

// Budget is a per-host token bucket for outgoing requests.
type Budget struct {
	Capacity        int64
	RefillPerSecond float64
}

// Client is a caching HTTP client for external data.
type Client struct {
	httpClient  *http.Client
	cache       *cache.Manager
	limiter     *ratelimit.Limiter
	budget      Budget
	userAgent   string
	retryPolicy func(ErrorClass) RetryConfig
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBudget limits outgoing requests per host with l's token bucket.
func WithBudget(l *ratelimit.Limiter, b Budget) Option {
	return func(c *Client) {
		c.limiter = l
		c.budget = b
	}
}

// WithUserAgent sets the User-Agent of every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRetryPolicy replaces RetryConfigForErrorClass.
func WithRetryPolicy(policy func(ErrorClass) RetryConfig) Option {
	return func(c *Client) { c.retryPolicy = policy }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client storing responses in cm. A nil cm disables caching.
func New(cm *cache.Manager, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		cache:       cm,
		retryPolicy: RetryConfigForErrorClass,
		logger:      logging.NewLogger(logging.ComponentUpstream),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNew(c.metrics)
	return c
}

// Key returns the cache key of a GET for u.
func Key(u *url.URL) string {
	parts := []string{KeyPrefix, strings.ToLower(u.Host), u.EscapedPath()}
	if len(u.Query()) > 0 {
		parts = append(parts, u.Query().Encode())
	}
	return strings.Join(parts, ":")
}

// Do performs req. GET responses are served from and stored in the cache;
// retryable failures (5xx, 429, network) are retried with backoff. Other
// 4xx responses are returned as they are for the caller to handle.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()
	defer func() {
		c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}()

	cacheable := c.cache != nil && (req.Method == "" || req.Method == http.MethodGet)
	var (
		key    string
		cached *cache.CachedResponse
	)
	if cacheable {
		key = Key(req.URL)
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			cached = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache get error")
		}

		if cached != nil && !wantsRevalidation(req) {
			c.metrics.UpstreamRequests.WithLabelValues("cache_hit").Inc()
			return toResponse(req, cached, CacheHit, c.cache.Now()), nil
		}
	}

	if err := c.spend(ctx, req.URL.Host); err != nil {
		c.metrics.UpstreamRequests.WithLabelValues("budget_exhausted").Inc()
		return nil, err
	}

	// Headers are set on a copy; the caller's request stays untouched.
	req = req.Clone(ctx)
	if cached != nil {
		cache.AddConditionalHeaders(req, cached)
		c.logger.Debug().
			Str("key", key).
			Str("etag", cached.ETag).
			Msg("Making conditional request")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var resp *http.Response
	err := c.retry(ctx, func(attempt int) attemptResult {
		attemptReq, err := replay(req, attempt)
		if err != nil {
			return attemptResult{err: err}
		}

		r, err := c.httpClient.Do(attemptReq)
		if err != nil {
			c.metrics.UpstreamRequests.WithLabelValues("network_error").Inc()
			c.logger.Warn().Err(err).Str("host", req.URL.Host).Int("attempt", attempt).Msg("Upstream request failed")
			return attemptResult{class: ErrorClassNetwork, err: err}
		}
		c.metrics.UpstreamRequests.WithLabelValues(strconv.Itoa(r.StatusCode)).Inc()

		if class := Classify(r, nil); shouldRetry(class) {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			c.logger.Warn().
				Str("host", req.URL.Host).
				Str("path", req.URL.Path).
				Int("status", r.StatusCode).
				Str("error_class", string(class)).
				Msg("Upstream error")
			return attemptResult{
				class: class,
				wait:  retryAfter(r.Header, time.Now()),
				err:   &Error{StatusCode: r.StatusCode, Class: class, Message: r.Status},
			}
		}
		resp = r
		return attemptResult{}
	})
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return c.refresh(ctx, req, cached, resp.Header), nil
	case cacheable && resp.StatusCode == http.StatusOK:
		return c.store(ctx, key, resp)
	default:
		return resp, nil
	}
}

// Get performs a GET request to rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Invalidate drops the cached responses of the given URLs.
func (c *Client) Invalidate(ctx context.Context, rawURLs ...string) (int64, error) {
	if c.cache == nil || len(rawURLs) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", raw, err)
		}
		keys = append(keys, Key(u))
	}
	return c.cache.Delete(ctx, keys...)
}

// GetJSON fetches rawURL and decodes a 2xx JSON body into T. Other statuses
// return an *Error.
func GetJSON[T any](ctx context.Context, c *Client, rawURL string) (T, error) {
	var zero T
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return zero, &Error{StatusCode: resp.StatusCode, Class: Classify(resp, nil), Message: resp.Status}
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return v, nil
}

func (c *Client) spend(ctx context.Context, host string) error {
	if c.limiter == nil {
		return nil
	}
	res, err := c.limiter.TokenBucket(ctx, "upstream:"+host, c.budget.Capacity, c.budget.RefillPerSecond, 1)
	if err != nil {
		return fmt.Errorf("upstream budget: %w", err)
	}
	if !res.Allowed {
		c.logger.Warn().
			Str("host", host).
			Dur("retry_after", res.RetryAfter).
			Msg("Upstream budget exhausted")
		return fmt.Errorf("%w: %s, retry after %s", ErrBudgetExhausted, host, res.RetryAfter)
	}
	return nil
}

// store caches a 200 response and returns it with a replayable body.
func (c *Client) store(ctx context.Context, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	now := c.cache.Now()
	if ttl, ok := freshness(resp.Header, now, c.cache.Config().DefaultTTL); ok {
		entry := cache.NewResponse(key, resp.StatusCode, resp.Header, body, ttl, now)
		if err := c.cache.Set(ctx, entry); err != nil && !errors.Is(err, cache.ErrTooLarge) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache upstream response")
		}
	}
	resp.Header.Set(cache.HeaderCache, CacheMiss)
	return resp, nil
}

// refresh extends a revalidated entry and returns it as a response.
func (c *Client) refresh(ctx context.Context, req *http.Request, cached *cache.CachedResponse, h http.Header) *http.Response {
	c.metrics.UpstreamRequests.WithLabelValues("revalidated").Inc()

	now := c.cache.Now()
	entry := *cached
	if ttl, ok := freshness(h, now, c.cache.Config().DefaultTTL); ok {
		entry.StoredAt = now
		entry.Expires = now.Add(ttl)
		if err := c.cache.Set(ctx, &entry); err != nil {
			c.logger.Warn().Err(err).Str("key", entry.Key).Msg("Failed to refresh cached upstream response")
		}
	}
	c.logger.Debug().Str("key", entry.Key).Msg("304 Not Modified, using cache")
	return toResponse(req, &entry, CacheRevalidated, now)
}

func toResponse(req *http.Request, entry *cache.CachedResponse, state string, now time.Time) *http.Response {
	h := make(http.Header)
	cache.ApplyHeaders(h, entry, now)
	h.Set(cache.HeaderCache, state)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		StatusCode:    entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// replay returns the request for an attempt, with a fresh body on retries.
func replay(req *http.Request, attempt int) (*http.Request, error) {
	r := req.Clone(req.Context())
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replay body: %w", err)
	}
	r.Body = body
	return r, nil
}

func wantsRevalidation(req *http.Request) bool {
	for _, v := range req.Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), "no-cache") {
				return true
			}
		}
	}
	return false
}

// freshness derives how long a response may be cached: max-age, then
// Expires, then def. no-store and non-positive lifetimes are not cached.
func freshness(h http.Header, now time.Time, def time.Duration) (time.Duration, bool) {
	var directives []string
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			directives = append(directives, strings.ToLower(strings.TrimSpace(d)))
		}
	}
	if slices.Contains(directives, "no-store") {
		return 0, false
	}
	for _, d := range directives {
		if secs, ok := strings.CutPrefix(d, "max-age="); ok {
			n, err := strconv.Atoi(secs)
			if err != nil || n <= 0 {
				return 0, false
			}
			return time.Duration(n) * time.Second, true
		}
	}
	if exp := h.Get("Expires"); exp != "" {
		t, err := http.ParseTime(exp)
		if err != nil || !t.After(now) {
			return 0, false
		}
		return t.Sub(now), true
	}
	return def, def > 0
}

// retryAfter parses Retry-After as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return max(0, time.Duration(n)*time.Second)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, t.Sub(now))
	}
	return 0
}
