package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is used when no TTL is configured for a route.
	DefaultTTL = 5 * time.Minute

	// HeaderCache reports HIT or MISS.
	HeaderCache = "X-Cache"

	// HeaderCacheKey carries the cache key of the response.
	HeaderCacheKey = "X-Cache-Key"
)

// Headers that are never replayed from the cache.
var unstoredHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Set-Cookie":        true,
	"Date":              true,
	"Content-Length":    true,
	HeaderCache:         true,
	HeaderCacheKey:      true,
	"Retry-After":       true,
}

// GenerateETag returns a strong, quoted validator for body.
func GenerateETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// NewResponse builds a CachedResponse from a captured response. The
// handler's ETag and Last-Modified win over generated ones.
func NewResponse(key string, status int, header http.Header, body []byte, ttl time.Duration, now time.Time) *CachedResponse {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	headers := make(http.Header, len(header))
	for name, values := range header {
		if unstoredHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		headers[name] = append([]string(nil), values...)
	}

	entry := &CachedResponse{
		Key:      key,
		Status:   status,
		Headers:  headers,
		Body:     append([]byte(nil), body...),
		ETag:     header.Get("ETag"),
		StoredAt: now,
		Expires:  now.Add(ttl),
	}
	if entry.ETag == "" {
		entry.ETag = GenerateETag(body)
	}

	entry.LastModified = now.UTC().Truncate(time.Second)
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			entry.LastModified = t
		}
	}
	return entry
}

// ApplyHeaders writes the stored headers and validators of entry to h.
func ApplyHeaders(h http.Header, entry *CachedResponse, now time.Time) {
	for name, values := range entry.Headers {
		h[name] = append([]string(nil), values...)
	}
	h.Set("ETag", entry.ETag)
	if !entry.LastModified.IsZero() {
		h.Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Cache-Control", "max-age="+strconv.Itoa(int(entry.TTL(now)/time.Second)))
}

// ETagMatches implements the If-None-Match comparison: a list of
// validators or "*", compared weakly.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == want {
			return true
		}
	}
	return false
}

// NotModified reports whether r's validators match entry. If-None-Match
// takes precedence; If-Modified-Since is only consulted without it.
func NotModified(r *http.Request, entry *CachedResponse) bool {
	if r == nil || entry == nil {
		return false
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return ETagMatches(inm, entry.ETag)
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && !entry.LastModified.IsZero() {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !entry.LastModified.Truncate(time.Second).After(since)
	}
	return false
}

// AddConditionalHeaders sets If-None-Match (preferred) or
// If-Modified-Since on req from entry, for revalidating upstream.
func AddConditionalHeaders(req *http.Request, entry *CachedResponse) {
	if entry == nil || req == nil {
		return
	}
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
