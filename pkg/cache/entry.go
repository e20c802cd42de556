package cache

import (
	"net/http"
	"time"
)

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	// Key is the cache key the response is stored under.
	Key string `json:"key"`

	// Status is the HTTP status code.
	Status int `json:"status"`

	// Headers are the end-to-end response headers.
	Headers http.Header `json:"headers"`

	// Body is the response body.
	Body []byte `json:"body"`

	// ETag is the strong validator, always quoted.
	ETag string `json:"etag"`

	// LastModified is the Last-Modified validator.
	LastModified time.Time `json:"last_modified"`

	// StoredAt is when the response was cached.
	StoredAt time.Time `json:"stored_at"`

	// Expires is when the entry becomes stale.
	Expires time.Time `json:"expires"`

	// Tags group entries for invalidation.
	Tags []string `json:"tags,omitempty"`
}

// IsExpired reports whether the entry is stale at now.
func (e *CachedResponse) IsExpired(now time.Time) bool {
	return !now.Before(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *CachedResponse) TTL(now time.Time) time.Duration {
	ttl := e.Expires.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Age returns how long the entry has been cached.
func (e *CachedResponse) Age(now time.Time) time.Duration {
	age := now.Sub(e.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}
