package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/cache"
	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
)

// ResponseStore is implemented by *cache.Manager.
type ResponseStore interface {
	Get(ctx context.Context, key string) (*cache.CachedResponse, error)
	Set(ctx context.Context, entry *cache.CachedResponse) error
	Now() time.Time
}

// CacheRule selects cacheable routes and how their responses are stored.
type CacheRule struct {
	// Pattern is a route pattern, see ParseRoute.
	Pattern string
	// TTL overrides CacheOptions.DefaultTTL.
	TTL time.Duration
	// Tags are registered for the stored entry. Route parameters are
	// substituted as {name}, e.g. "user:{id}".
	Tags []string
	// VaryHeaders overrides CacheOptions.VaryHeaders.
	VaryHeaders []string
}

// CacheOptions configures ResponseCache.
type CacheOptions struct {
	DefaultTTL time.Duration
	// VaryHeaders are request headers whose values select cache variants.
	VaryHeaders []string
	// Rules restrict caching to matching routes. Without rules every
	// GET/HEAD request is applicable.
	Rules []CacheRule
	// Applicable is an additional predicate evaluated after the rules.
	Applicable func(*http.Request) bool
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
}

type compiledRule struct {
	CacheRule
	route Route
}

// ResponseCache serves GET and HEAD requests from the cache and stores
// 200 responses on a miss. A store failure is treated as a miss.
func ResponseCache(s ResponseStore, opts CacheOptions) Middleware {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = cache.DefaultTTL
	}
	logger := loggerOr(opts.Logger)
	m := metrics.OrNew(opts.Metrics)

	rules := make([]compiledRule, 0, len(opts.Rules))
	for _, rule := range opts.Rules {
		rules = append(rules, compiledRule{CacheRule: rule, route: ParseRoute(rule.Pattern)})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if hasDirective(r.Header, "no-store") {
				next.ServeHTTP(w, r)
				return
			}

			ttl, vary := opts.DefaultTTL, opts.VaryHeaders
			var tags []string
			if len(rules) > 0 {
				rule, params, ok := matchRule(rules, r.URL.Path)
				if !ok {
					next.ServeHTTP(w, r)
					return
				}
				if rule.TTL > 0 {
					ttl = rule.TTL
				}
				if rule.VaryHeaders != nil {
					vary = rule.VaryHeaders
				}
				tags = expandTags(rule.Tags, params)
			}
			if opts.Applicable != nil && !opts.Applicable(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cache.KeyFromRequest(r, vary).String()
			head := r.Method == http.MethodHead

			entry, err := s.Get(r.Context(), key)
			switch {
			case err == nil:
				serveHit(w, r, entry, key, s.Now(), m)
				return
			case !errors.Is(err, cache.ErrCacheMiss):
				m.StoreDegraded.WithLabelValues(logging.ComponentCache).Inc()
				logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed, serving live")
			}

			cw := newCaptureWriter()
			next.ServeHTTP(cw, r)

			// HEAD responses carry no body to store; only GET fills the entry.
			if !head && cw.statusCode() == http.StatusOK && !hasDirective(cw.header, "no-store") && !hasDirective(cw.header, "private") {
				fresh := cache.NewResponse(key, cw.statusCode(), cw.header, cw.body.Bytes(), ttl, s.Now())
				fresh.Tags = tags
				switch err := s.Set(r.Context(), fresh); {
				case err == nil:
					cw.header.Set("ETag", fresh.ETag)
					cw.header.Set("Last-Modified", fresh.LastModified.UTC().Format(http.TimeFormat))
					if cw.header.Get("Cache-Control") == "" {
						cw.header.Set("Cache-Control", maxAge(ttl))
					}
				case errors.Is(err, cache.ErrTooLarge):
				default:
					logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
				}
			} else if !head && cw.statusCode() != http.StatusOK {
				m.CacheSkipped.WithLabelValues("status").Inc()
			}

			cw.header.Set(cache.HeaderCache, "MISS")
			cw.header.Set(cache.HeaderCacheKey, key)
			cw.forward(w, head)
		})
	}
}

func serveHit(w http.ResponseWriter, r *http.Request, entry *cache.CachedResponse, key string, now time.Time, m *metrics.Metrics) {
	h := w.Header()
	cache.ApplyHeaders(h, entry, now)
	h.Set(cache.HeaderCache, "HIT")
	h.Set(cache.HeaderCacheKey, key)

	if cache.NotModified(r, entry) {
		m.CacheNotModified.Inc()
		h.Del("Content-Length")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(entry.Body)
	}
}

func matchRule(rules []compiledRule, path string) (compiledRule, map[string]string, bool) {
	for _, rule := range rules {
		if params, ok := rule.route.Match(path); ok {
			return rule, params, true
		}
	}
	return compiledRule{}, nil, false
}

func expandTags(templates []string, params map[string]string) []string {
	if len(templates) == 0 {
		return nil
	}
	tags := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		tag := tmpl
		for name, val := range params {
			tag = strings.ReplaceAll(tag, "{"+name+"}", val)
		}
		if strings.Contains(tag, "{") {
			continue
		}
		tags = append(tags, tag)
	}
	return tags
}

func hasDirective(h http.Header, directive string) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(d), directive) {
				return true
			}
		}
	}
	return false
}

func maxAge(ttl time.Duration) string {
	return "max-age=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}
