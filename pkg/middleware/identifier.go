package middleware

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives a rate-limit identifier from a request. An empty result
// means "no identifier".
type KeyFunc func(*http.Request) string

// ByIP identifies the client by the first X-Forwarded-For entry, then
// X-Real-IP, then the connection's remote address.
func ByIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return "ip:" + ip
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return ""
	}
	return "ip:" + addr
}

// ByHeader identifies the client by the value of a request header, such
// as an API key.
func ByHeader(name string) KeyFunc {
	prefix := strings.ToLower(name) + ":"
	return func(r *http.Request) string {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" {
			return ""
		}
		return prefix + v
	}
}

// ByPrincipal identifies the client by the principal of the session put
// in the context by Session.
func ByPrincipal(r *http.Request) string {
	sess, ok := SessionFromContext(r.Context())
	if !ok || sess.PrincipalID == "" {
		return ""
	}
	return "user:" + sess.PrincipalID
}

// FirstOf returns the first non-empty identifier.
func FirstOf(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		for _, fn := range fns {
			if id := fn(r); id != "" {
				return id
			}
		}
		return ""
	}
}
