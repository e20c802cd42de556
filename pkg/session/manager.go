package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/fincoord/pkg/logging"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
)

const (
	// DefaultTTL is the session lifetime when Config.TTL is zero.
	DefaultTTL = 24 * time.Hour

	// DefaultKeyPrefix namespaces session keys.
	DefaultKeyPrefix = "sess"

	loadConcurrency = 8
)

// createScript stores the record and indexes it in one step.
//
// KEYS[1] session record, KEYS[2] principal index
// ARGV[1] encoded record, ARGV[2] ttl (ms), ARGV[3] session id
//
// Returns {index size}.
var createScript = store.NewScript("session_create", `
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return {redis.call('SCARD', KEYS[2])}
`, func(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) != 2 || len(args) != 3 {
		return nil, fmt.Errorf("session_create: want 2 keys and 3 args, got %d and %d", len(keys), len(args))
	}
	ttlMs, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(ttlMs) * time.Millisecond

	tx.Set(keys[0], args[0], ttl)
	tx.SAdd(keys[1], args[2])
	if cur, ok := tx.TTL(keys[1]); !ok || cur < ttl {
		tx.Expire(keys[1], ttl)
	}
	return []int64{tx.SCard(keys[1])}, nil
})

// saveScript rewrites an existing record; a record destroyed since it was
// read stays destroyed.
//
// KEYS[1] session record, KEYS[2] principal index
// ARGV[1] encoded record, ARGV[2] ttl (ms), ARGV[3] "1" to extend the index
//
// Returns {1} when written, {0} when the record no longer exists.
var saveScript = store.NewScript("session_save", `
if not redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'XX') then
  return {0}
end
if ARGV[3] == '1' and redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return {1}
`, func(tx store.Tx, keys []string, args []string) ([]int64, error) {
	if len(keys) != 2 || len(args) != 3 {
		return nil, fmt.Errorf("session_save: want 2 keys and 3 args, got %d and %d", len(keys), len(args))
	}
	ttlMs, err := store.ParseInt(args, 1)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(ttlMs) * time.Millisecond

	if _, ok := tx.Get(keys[0]); !ok {
		return []int64{0}, nil
	}
	tx.Set(keys[0], args[0], ttl)
	if args[2] == "1" {
		if cur, ok := tx.TTL(keys[1]); !ok || cur < ttl {
			tx.Expire(keys[1], ttl)
		}
	}
	return []int64{1}, nil
})

// Config controls session lifetime and the per-principal cap.
type Config struct {
	// TTL is the session lifetime. Default: 24h.
	TTL time.Duration

	// ExtendOnAccess pushes ExpiresAt forward by TTL on every read.
	ExtendOnAccess bool

	// MaxSessionsPerPrincipal caps live sessions per principal. Zero
	// disables the cap.
	MaxSessionsPerPrincipal int

	// KeyPrefix namespaces keys. Default: "sess".
	KeyPrefix string
}

// Manager owns session records and the per-principal index.
type Manager struct {
	store   store.Store
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(s store.Store, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Millisecond {
		return nil, fmt.Errorf("%w: ttl must be at least 1ms", ErrInvalidConfig)
	}
	if cfg.MaxSessionsPerPrincipal < 0 {
		return nil, fmt.Errorf("%w: max sessions per principal must not be negative", ErrInvalidConfig)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	m := &Manager{
		store:  s,
		cfg:    cfg,
		logger: logging.NewLogger(logging.ComponentSession),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = metrics.OrNew(m.metrics)
	return m, nil
}

func (m *Manager) sessionKey(id string) string { return m.cfg.KeyPrefix + ":" + id }
func (m *Manager) indexKey(principal string) string {
	return m.cfg.KeyPrefix + ":user:" + principal
}

// Create stores a new session and returns its id. When the principal
// exceeds the cap afterwards, its oldest sessions are destroyed.
func (m *Manager) Create(ctx context.Context, p CreateParams) (string, error) {
	principal := strings.TrimSpace(p.PrincipalID)
	if principal == "" {
		return "", ErrInvalidPrincipal
	}

	now := m.now()
	sess := &Session{
		ID:             uuid.NewString(),
		PrincipalID:    principal,
		Email:          p.Email,
		Roles:          nonNil(p.Roles),
		Permissions:    nonNil(p.Permissions),
		Metadata:       p.Metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.TTL),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	res, err := m.store.Run(ctx, createScript,
		[]string{m.sessionKey(sess.ID), m.indexKey(principal)},
		data, m.cfg.TTL.Milliseconds(), sess.ID)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	m.metrics.SessionsCreated.Inc()

	m.logger.Debug().
		Str("session_id", sess.ID).
		Str("principal_id", principal).
		Msg("Session created")

	if m.cfg.MaxSessionsPerPrincipal > 0 && len(res) == 1 && res[0] > int64(m.cfg.MaxSessionsPerPrincipal) {
		if err := m.enforceMaxSessions(ctx, principal, sess.ID); err != nil {
			// The session exists; the cap is enforced on a later creation.
			m.logger.Warn().Err(err).Str("principal_id", principal).Msg("Failed to enforce session cap")
		}
	}

	return sess.ID, nil
}

// enforceMaxSessions destroys the oldest sessions above the cap, never
// keep. CreatedAt stands in for index insertion order, which a set does not
// keep. Concurrent creations may transiently exceed the cap.
func (m *Manager) enforceMaxSessions(ctx context.Context, principal, keep string) error {
	live, err := m.loadIndexed(ctx, principal)
	if err != nil {
		return err
	}
	total := len(live)
	live = slices.DeleteFunc(live, func(s *Session) bool { return s.ID == keep })
	excess := min(total-m.cfg.MaxSessionsPerPrincipal, len(live))
	if excess <= 0 {
		return nil
	}

	for _, sess := range live[:excess] {
		if _, err := m.destroy(ctx, sess, "evicted"); err != nil {
			return err
		}
		m.logger.Info().
			Str("session_id", sess.ID).
			Str("principal_id", principal).
			Time("created_at", sess.CreatedAt).
			Msg("Session evicted, principal over cap")
	}
	return nil
}

// loadIndexed loads every live session in principal's index ordered by
// CreatedAt, removing dangling and expired ids from the index.
func (m *Manager) loadIndexed(ctx context.Context, principal string) ([]*Session, error) {
	ids, err := m.store.SMembers(ctx, m.indexKey(principal))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var (
		mu      sync.Mutex
		live    []*Session
		stale   []string
		expired []string
	)
	now := m.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			sess, err := m.load(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case sess == nil:
				stale = append(stale, id)
			case sess.IsExpired(now):
				stale = append(stale, id)
				expired = append(expired, m.sessionKey(id))
			default:
				live = append(live, sess)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(expired) > 0 {
		n, err := m.store.Delete(ctx, expired...)
		if err != nil {
			return nil, fmt.Errorf("remove expired sessions: %w", err)
		}
		m.metrics.SessionsDestroyed.WithLabelValues("expired").Add(float64(n))
	}
	if len(stale) > 0 {
		if err := m.store.SRem(ctx, m.indexKey(principal), stale...); err != nil {
			return nil, fmt.Errorf("prune session index: %w", err)
		}
	}

	slices.SortFunc(live, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return live, nil
}

// load reads a record without expiry handling. A missing or undecodable
// record yields nil.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	data, err := m.store.Get(ctx, m.sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("Discarding undecodable session record")
		_, _ = m.store.Delete(ctx, m.sessionKey(id))
		return nil, nil
	}
	return &sess, nil
}

type lookup int

const (
	lookupFound lookup = iota
	lookupMissing
	lookupExpired
)

func (m *Manager) get(ctx context.Context, id string) (*Session, lookup, error) {
	if id == "" {
		return nil, lookupMissing, nil
	}

	sess, err := m.load(ctx, id)
	if err != nil {
		// Transient failures never destroy the session.
		m.metrics.SessionLookups.WithLabelValues("error").Inc()
		return nil, lookupMissing, err
	}
	if sess == nil {
		m.metrics.SessionLookups.WithLabelValues("miss").Inc()
		return nil, lookupMissing, nil
	}

	now := m.now()
	if sess.IsExpired(now) {
		m.metrics.SessionLookups.WithLabelValues("expired").Inc()
		if _, err := m.destroy(ctx, sess, "expired"); err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to remove expired session")
		}
		return nil, lookupExpired, nil
	}

	if m.cfg.ExtendOnAccess {
		err := m.extend(ctx, sess, now)
		if errors.Is(err, errGone) {
			m.metrics.SessionLookups.WithLabelValues("miss").Inc()
			return nil, lookupMissing, nil
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to extend session")
		}
	}
	m.metrics.SessionLookups.WithLabelValues("hit").Inc()
	return sess, lookupFound, nil
}

// errGone reports that a record was destroyed between its load and its
// rewrite.
var errGone = errors.New("session destroyed concurrently")

func (m *Manager) extend(ctx context.Context, sess *Session, now time.Time) error {
	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(m.cfg.TTL)
	return m.save(ctx, sess, m.cfg.TTL, true)
}

// save rewrites an existing record and returns errGone when it no longer
// exists.
func (m *Manager) save(ctx context.Context, sess *Session, ttl time.Duration, extendIndex bool) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	flag := "0"
	if extendIndex {
		flag = "1"
	}
	res, err := m.store.Run(ctx, saveScript,
		[]string{m.sessionKey(sess.ID), m.indexKey(sess.PrincipalID)},
		data, ttl.Milliseconds(), flag)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if len(res) != 1 || res[0] == 0 {
		return errGone
	}
	return nil
}

func (m *Manager) destroy(ctx context.Context, sess *Session, reason string) (bool, error) {
	n, err := m.store.Delete(ctx, m.sessionKey(sess.ID))
	if err != nil {
		return false, fmt.Errorf("destroy session %s: %w", sess.ID, err)
	}
	if err := m.store.SRem(ctx, m.indexKey(sess.PrincipalID), sess.ID); err != nil {
		return n > 0, fmt.Errorf("unindex session %s: %w", sess.ID, err)
	}
	if n > 0 {
		m.metrics.SessionsDestroyed.WithLabelValues(reason).Inc()
	}
	return n > 0, nil
}

// Get returns the session, or nil when it does not exist or has expired.
// An expired session is destroyed. A store failure returns nil with an
// error wrapping store.ErrUnavailable and leaves the session untouched.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	sess, _, err := m.get(ctx, id)
	return sess, err
}

// Refresh extends a live session by the configured TTL regardless of
// ExtendOnAccess.
func (m *Manager) Refresh(ctx context.Context, id string) (*Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	now := m.now()
	if sess.IsExpired(now) {
		_, err := m.destroy(ctx, sess, "expired")
		return nil, err
	}
	if err := m.extend(ctx, sess, now); err != nil {
		if errors.Is(err, errGone) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// Update applies a partial update and keeps the current expiry. It returns
// false when the session does not exist.
func (m *Manager) Update(ctx context.Context, id string, u Update) (bool, error) {
	sess, err := m.load(ctx, id)
	if err != nil || sess == nil {
		return false, err
	}
	now := m.now()
	remaining := sess.ExpiresAt.Sub(now)
	if remaining <= 0 {
		_, err := m.destroy(ctx, sess, "expired")
		return false, err
	}

	u.apply(sess)
	if err := m.save(ctx, sess, remaining, false); err != nil {
		if errors.Is(err, errGone) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Destroy removes a session. It returns false when there was nothing to
// remove.
func (m *Manager) Destroy(ctx context.Context, id string) (bool, error) {
	sess, err := m.load(ctx, id)
	if err != nil || sess == nil {
		return false, err
	}
	return m.destroy(ctx, sess, "logout")
}

// DestroyUserSessions removes every session of principal and its index,
// returning the number of records removed.
func (m *Manager) DestroyUserSessions(ctx context.Context, principalID string) (int, error) {
	principal := strings.TrimSpace(principalID)
	if principal == "" {
		return 0, ErrInvalidPrincipal
	}

	ids, err := m.store.SMembers(ctx, m.indexKey(principal))
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.sessionKey(id)
	}
	n, err := m.store.Delete(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("destroy sessions: %w", err)
	}
	if _, err := m.store.Delete(ctx, m.indexKey(principal)); err != nil {
		return int(n), fmt.Errorf("destroy session index: %w", err)
	}

	m.metrics.SessionsDestroyed.WithLabelValues("revoked").Add(float64(n))
	m.logger.Info().
		Str("principal_id", principal).
		Int64("count", n).
		Msg("Sessions revoked")
	return int(n), nil
}

// UserSessions lists principal's live sessions, oldest first, pruning
// index entries whose records are gone.
func (m *Manager) UserSessions(ctx context.Context, principalID string) ([]*Session, error) {
	principal := strings.TrimSpace(principalID)
	if principal == "" {
		return nil, ErrInvalidPrincipal
	}
	return m.loadIndexed(ctx, principal)
}

// Validate looks up a session and reports why it is not usable.
func (m *Manager) Validate(ctx context.Context, id string) ValidationResult {
	if strings.TrimSpace(id) == "" {
		return ValidationResult{Reason: ReasonMissingID}
	}

	sess, state, err := m.get(ctx, id)
	if err != nil {
		return ValidationResult{Reason: ReasonStoreUnavailable, Err: err}
	}
	switch state {
	case lookupExpired:
		return ValidationResult{Reason: ReasonExpired}
	case lookupMissing:
		return ValidationResult{Reason: ReasonNotFound}
	}
	return ValidationResult{IsValid: true, Session: sess}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}
