package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/fincoord/pkg/session"
)

// Defaults for locating the session id.
const (
	DefaultSessionCookie = "session_id"
	DefaultSessionHeader = "X-Session-ID"
)

// SessionValidator is implemented by *session.Manager.
type SessionValidator interface {
	Validate(ctx context.Context, id string) session.ValidationResult
}

// SessionOptions configures Session.
type SessionOptions struct {
	// Required rejects requests without a valid session.
	Required bool
	// CookieName defaults to DefaultSessionCookie.
	CookieName string
	// HeaderName defaults to DefaultSessionHeader. "Authorization: Bearer
	// <id>" is accepted as well.
	HeaderName string
	Logger     *zerolog.Logger
}

type sessionKey struct{}

// ContextWithSession returns ctx carrying sess.
func ContextWithSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session attached by Session.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*session.Session)
	return sess, ok && sess != nil
}

// Session resolves the request's session and attaches it to the context.
//
// When the session is required, an invalid session yields 401 and an
// unavailable store yields 503. Otherwise the request continues
// unauthenticated; a store failure never destroys the session.
func Session(v SessionValidator, opts SessionOptions) Middleware {
	if opts.CookieName == "" {
		opts.CookieName = DefaultSessionCookie
	}
	if opts.HeaderName == "" {
		opts.HeaderName = DefaultSessionHeader
	}
	logger := loggerOr(opts.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sessionID(r, opts)
			res := v.Validate(r.Context(), id)
			if res.IsValid {
				next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), res.Session)))
				return
			}

			if res.Reason == session.ReasonStoreUnavailable {
				logger.Warn().
					Err(res.Err).
					Bool("required", opts.Required).
					Msg("Session store unavailable")
			}

			if !opts.Required {
				next.ServeHTTP(w, r)
				return
			}

			if res.Reason == session.ReasonStoreUnavailable {
				writeJSON(w, http.StatusServiceUnavailable, ErrorBody{
					Error:   "service_unavailable",
					Message: "Session could not be verified, try again later",
					Reason:  res.Reason,
				})
				return
			}
			writeJSON(w, http.StatusUnauthorized, ErrorBody{
				Error:   "unauthorized",
				Message: "A valid session is required",
				Reason:  res.Reason,
			})
		})
	}
}

func sessionID(r *http.Request, opts SessionOptions) string {
	if id := strings.TrimSpace(r.Header.Get(opts.HeaderName)); id != "" {
		return id
	}
	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if id := strings.TrimSpace(auth); id != "" {
			return id
		}
	}
	if c, err := r.Cookie(opts.CookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
