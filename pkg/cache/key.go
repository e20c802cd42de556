package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix starts every response cache key.
const KeyPrefix = "rc"

// Key identifies a cached response.
type Key struct {
	// Method is the request method. HEAD is folded into GET.
	Method string

	// Path is the request path.
	Path string

	// Query are the query parameters.
	Query url.Values

	// Vary holds the request header values the response varies on.
	Vary map[string]string
}

// String generates a deterministic cache key string.
// Format: rc:METHOD:path[:sorted query][:v=hash of vary values]
//
// Example:
//
//	rc:GET:/users/42/offers:limit=10&status=open:v=3f1c0a9b2d4e5f60
func (k Key) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}

	path := k.Path
	if path == "" {
		path = "/"
	}

	parts := []string{KeyPrefix, method, path}

	// url.Values.Encode sorts by key
	if len(k.Query) > 0 {
		q := make(url.Values, len(k.Query))
		for name, values := range k.Query {
			sorted := append([]string(nil), values...)
			sort.Strings(sorted)
			q[name] = sorted
		}
		parts = append(parts, q.Encode())
	}

	if v := varyHash(k.Vary); v != "" {
		parts = append(parts, "v="+v)
	}

	return strings.Join(parts, ":")
}

func varyHash(vary map[string]string) string {
	if len(vary) == 0 {
		return ""
	}
	names := make([]string, 0, len(vary))
	for name, value := range vary {
		if value != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(strings.ToLower(name)))
		h.Write([]byte{'='})
		h.Write([]byte(vary[name]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// KeyFromRequest builds the key for r, varying on the named headers.
func KeyFromRequest(r *http.Request, varyHeaders []string) Key {
	k := Key{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
	}
	if len(varyHeaders) > 0 {
		k.Vary = make(map[string]string, len(varyHeaders))
		for _, name := range varyHeaders {
			k.Vary[http.CanonicalHeaderKey(name)] = r.Header.Get(name)
		}
	}
	return k
}

// PathPattern returns a glob matching every cached variant of path and
// the paths below it, for any method.
func PathPattern(path string) string {
	return KeyPrefix + ":*:" + escapeGlob(path) + "*"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
