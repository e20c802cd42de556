package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/Sternrassler/fincoord/pkg/invalidation"
)

// maxObservedBody bounds the request and response bytes kept for Extract.
const maxObservedBody = 64 << 10

// Publisher is implemented by *invalidation.Bus.
type Publisher interface {
	Publish(e invalidation.Event) bool
}

// Mutation is what an InvalidationRule's Extract sees of a completed
// request.
type Mutation struct {
	Request      *http.Request
	Params       map[string]string
	RequestBody  []byte
	Status       int
	ResponseBody []byte
}

// InvalidationRule maps a mutating route to an event type.
type InvalidationRule struct {
	// Method is matched case-insensitively; empty matches POST, PUT,
	// PATCH and DELETE.
	Method string
	// Pattern is a route pattern, see ParseRoute.
	Pattern string
	// EventType is published when the rule matches.
	EventType string
	// Extract adds criteria to those taken from route parameters and
	// the first value of each query parameter, and may name exact keys.
	Extract func(Mutation) (criteria map[string]string, keys []string)
}

type compiledInvalidation struct {
	InvalidationRule
	route Route
}

func (c compiledInvalidation) matches(r *http.Request) (map[string]string, bool) {
	if c.Method != "" {
		if !strings.EqualFold(c.Method, r.Method) {
			return nil, false
		}
	} else if !isMutating(r.Method) {
		return nil, false
	}
	return c.route.Match(r.URL.Path)
}

// Invalidate publishes an invalidation event after every 2xx response to
// a request matching one of rules. Publishing never delays or fails the
// response; the bus logs events it drops.
func Invalidate(bus Publisher, rules []InvalidationRule) Middleware {
	compiled := make([]compiledInvalidation, 0, len(rules))
	for _, rule := range rules {
		compiled = append(compiled, compiledInvalidation{InvalidationRule: rule, route: ParseRoute(rule.Pattern)})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				matched []compiledInvalidation
				params  []map[string]string
			)
			for _, rule := range compiled {
				if p, ok := rule.matches(r); ok {
					matched = append(matched, rule)
					params = append(params, p)
				}
			}
			if len(matched) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			var reqBody []byte
			if r.Body != nil && r.Body != http.NoBody {
				buf, _ := io.ReadAll(io.LimitReader(r.Body, maxObservedBody))
				reqBody = buf
				r.Body = readCloser{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
			}

			tw := &teeWriter{ResponseWriter: w, limit: maxObservedBody}
			next.ServeHTTP(tw, r)

			status := tw.statusCode()
			if status < 200 || status >= 300 {
				return
			}
			for i, rule := range matched {
				m := Mutation{
					Request:      r,
					Params:       params[i],
					RequestBody:  reqBody,
					Status:       status,
					ResponseBody: tw.body.Bytes(),
				}
				bus.Publish(buildEvent(rule, m))
			}
		})
	}
}

func buildEvent(rule compiledInvalidation, m Mutation) invalidation.Event {
	criteria := make(map[string]string, len(m.Params))
	for name, values := range m.Request.URL.Query() {
		if len(values) > 0 && values[0] != "" {
			criteria[name] = values[0]
		}
	}
	for name, val := range m.Params {
		criteria[name] = val
	}

	var keys []string
	if rule.Extract != nil {
		extra, k := rule.Extract(m)
		for name, val := range extra {
			criteria[name] = val
		}
		keys = k
	}
	return invalidation.Event{
		Type:     rule.EventType,
		Criteria: criteria,
		Keys:     keys,
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

type readCloser struct {
	io.Reader
	io.Closer
}
