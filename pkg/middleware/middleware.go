// Package middleware exposes the coordination components as net/http
// decorators.
//
// The intended order, outermost first, is
//
//	Session -> RateLimit -> ResponseCache -> Invalidate -> handler
//
// so that rate-limit keys can use the session principal, rejected requests
// never reach the cache, and only responses produced by the handler are
// observed for invalidation. coordinator.Coordinator.Handler assembles this
// chain.
package middleware

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/logging"
)

// Middleware decorates a handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware is outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

func loggerOr(l *zerolog.Logger) zerolog.Logger {
	if l != nil {
		return *l
	}
	return logging.NewLogger(logging.ComponentMiddleware)
}
