package middleware

import (
	"strings"
)

// Route is a parsed path pattern such as "/users/:id/offers" or
// "/users/:id/*". Segments starting with ':' capture one path segment;
// a trailing "*" matches any remainder, including nothing.
type Route struct {
	pattern  string
	segments []string
	wildcard bool
}

// ParseRoute parses pattern.
func ParseRoute(pattern string) Route {
	rt := Route{pattern: pattern}
	trimmed := strings.Trim(pattern, "/")
	if strings.HasSuffix(trimmed, "*") {
		rt.wildcard = true
		trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, "*"), "/")
	}
	if trimmed != "" {
		rt.segments = strings.Split(trimmed, "/")
	}
	return rt
}

// String returns the original pattern.
func (rt Route) String() string { return rt.pattern }

// Match reports whether path matches and returns the captured parameters.
func (rt Route) Match(path string) (map[string]string, bool) {
	trimmed := strings.Trim(path, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}
	if len(parts) < len(rt.segments) || (!rt.wildcard && len(parts) != len(rt.segments)) {
		return nil, false
	}

	params := make(map[string]string)
	for i, seg := range rt.segments {
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			if parts[i] == "" {
				return nil, false
			}
			params[name] = parts[i]
			continue
		}
		if seg != parts[i] {
			return nil, false
		}
	}
	return params, true
}
