package invalidation

import (
	"strings"
	"sync"
)

// Resolver maps an event to the targets it invalidates.
type Resolver func(Event) []Target

// Registry maps event types to resolvers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string][]Resolver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string][]Resolver)}
}

// Register appends resolvers for eventType.
func (r *Registry) Register(eventType string, resolvers ...Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[eventType] = append(r.resolvers[eventType], resolvers...)
}

// Types returns the registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.resolvers))
	for t := range r.resolvers {
		types = append(types, t)
	}
	return types
}

// Resolve returns the de-duplicated targets for e in resolver order. An
// unregistered type resolves to nothing.
func (r *Registry) Resolve(e Event) []Target {
	r.mu.RLock()
	resolvers := r.resolvers[e.Type]
	r.mu.RUnlock()

	var targets []Target
	seen := make(map[Target]struct{})
	for _, resolve := range resolvers {
		for _, t := range resolve(e) {
			if t.empty() {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			targets = append(targets, t)
		}
	}
	return targets
}

// Patterns resolves to glob patterns. Templates reference criteria as
// {name}; substituted values have glob metacharacters escaped. A template
// whose criteria are missing is skipped rather than widened.
func Patterns(templates ...string) Resolver {
	return func(e Event) []Target {
		var out []Target
		for _, tmpl := range templates {
			if p, ok := expand(tmpl, e.Criteria, escapeGlob); ok {
				out = append(out, Target{Pattern: p})
			}
		}
		return out
	}
}

// Tags resolves to tag sets, e.g. Tags("user:{userId}").
func Tags(templates ...string) Resolver {
	return func(e Event) []Target {
		var out []Target
		for _, tmpl := range templates {
			if tag, ok := expand(tmpl, e.Criteria, nil); ok {
				out = append(out, Target{Tag: tag})
			}
		}
		return out
	}
}

// Keys resolves to fixed exact keys with criteria substitution.
func Keys(templates ...string) Resolver {
	return func(e Event) []Target {
		var out []Target
		for _, tmpl := range templates {
			if k, ok := expand(tmpl, e.Criteria, nil); ok {
				out = append(out, Target{Key: k})
			}
		}
		return out
	}
}

// EventKeys resolves to the keys carried by the event itself.
func EventKeys() Resolver {
	return func(e Event) []Target {
		out := make([]Target, 0, len(e.Keys))
		for _, k := range e.Keys {
			out = append(out, Target{Key: k})
		}
		return out
	}
}

// expand replaces every {name} in tmpl with criteria[name]. It reports
// false when a referenced value is missing or empty.
func expand(tmpl string, criteria map[string]string, escape func(string) string) (string, bool) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String(), true
		}
		name := rest[open+1 : open+end]
		val := criteria[name]
		if val == "" {
			return "", false
		}
		if escape != nil {
			val = escape(val)
		}
		b.WriteString(rest[:open])
		b.WriteString(val)
		rest = rest[open+end+1:]
	}
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
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
