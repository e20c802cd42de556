package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fincoord/internal/testutil"
	"github.com/Sternrassler/fincoord/pkg/metrics"
	"github.com/Sternrassler/fincoord/pkg/store"
	"github.com/Sternrassler/fincoord/pkg/store/memstore"
)

var epoch = time.Unix(1_700_000_000, 0)

type fixture struct {
	mgr     *Manager
	store   *memstore.Store
	clock   *testutil.Clock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := testutil.NewClock(epoch)
	s := testutil.NewMemStore(clock)
	m := metrics.New(nil)
	mgr, err := New(s, cfg, WithClock(clock.Now), WithLogger(zerolog.Nop()), WithMetrics(m))
	require.NoError(t, err)
	return &fixture{mgr: mgr, store: s, clock: clock, metrics: m}
}

func TestNew_Config(t *testing.T) {
	mgr, err := New(memstore.New(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, mgr.Config().TTL)
	assert.Equal(t, DefaultKeyPrefix, mgr.Config().KeyPrefix)

	_, err = New(memstore.New(), Config{TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(memstore.New(), Config{MaxSessionsPerPrincipal: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, CreateParams{
		PrincipalID: "user-1",
		Email:       "a@example.com",
		Roles:       []string{"admin"},
		Permissions: []string{"offers:read"},
		Metadata:    map[string]any{"device": "ios"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "user-1", sess.PrincipalID)
	assert.Equal(t, "a@example.com", sess.Email)
	assert.True(t, sess.HasRole("admin"))
	assert.True(t, sess.HasPermission("offers:read"))
	assert.Equal(t, "ios", sess.Metadata["device"])
	assert.True(t, sess.CreatedAt.Equal(epoch))
	assert.True(t, sess.LastAccessedAt.Equal(epoch))
	assert.True(t, sess.ExpiresAt.Equal(epoch.Add(time.Hour)))

	ttl, err := f.store.TTL(ctx, "sess:"+id)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	members, err := f.store.SMembers(ctx, "sess:user:user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.SessionsCreated))
}

func TestCreate_InvalidPrincipal(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.mgr.Create(context.Background(), CreateParams{PrincipalID: "  "})
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestGet_Missing(t *testing.T) {
	f := newFixture(t, Config{})

	sess, err := f.mgr.Get(context.Background(), "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, sess)

	sess, err = f.mgr.Get(context.Background(), "")
	assert.NoError(t, err)
	assert.Nil(t, sess)
}

func TestGet_ExpiredSessionIsDestroyed(t *testing.T) {
	// Keep the record alive in the store past ExpiresAt to exercise the
	// lazy expiry path rather than store TTL expiry.
	f := newFixture(t, Config{TTL: time.Minute})
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	require.NoError(t, err)
	_, err = f.store.Expire(ctx, "sess:"+id, time.Hour)
	require.NoError(t, err)
	_, err = f.store.Expire(ctx, "sess:user:p", time.Hour)
	require.NoError(t, err)

	f.clock.Advance(time.Minute + time.Millisecond)

	sess, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess)

	exists, _ := f.store.Exists(ctx, "sess:"+id)
	assert.False(t, exists)
	members, _ := f.store.SMembers(ctx, "sess:user:p")
	assert.Empty(t, members)
}

func TestUserSessions_PrunesStoreExpiredIDs(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	ctx := context.Background()

	old, err := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	fresh, err := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	require.NoError(t, err)

	// The first record's store TTL lapses; its id lingers in the index.
	f.clock.Advance(31 * time.Second)

	sess, err := f.mgr.Get(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, sess)

	live, err := f.mgr.UserSessions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, fresh, live[0].ID)

	members, _ := f.store.SMembers(ctx, "sess:user:p")
	assert.Equal(t, []string{fresh}, members)
}

func TestGet_ExtendOnAccess(t *testing.T) {
	f := newFixture(t, Config{TTL: 10 * time.Minute, ExtendOnAccess: true})
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	require.NoError(t, err)

	// Keep reading before each expiry; the session outlives its first TTL.
	for i := 0; i < 5; i++ {
		f.clock.Advance(9 * time.Minute)
		sess, err := f.mgr.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess, "read %d", i)
		assert.True(t, sess.LastAccessedAt.Equal(f.clock.Now()))
		assert.True(t, sess.ExpiresAt.Equal(f.clock.Now().Add(10*time.Minute)))
	}

	ttl, err := f.store.TTL(ctx, "sess:"+id)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	idxTTL, err := f.store.TTL(ctx, "sess:user:p")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, idxTTL)
}

func TestGet_NoExtendWithoutOption(t *testing.T) {
	f := newFixture(t, Config{TTL: 10 * time.Minute})
	ctx := context.Background()

	id, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	f.clock.Advance(9 * time.Minute)
	_, _ = f.mgr.Get(ctx, id)
	f.clock.Advance(time.Minute)

	sess, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Config{TTL: 10 * time.Minute})
	ctx := context.Background()

	id, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	f.clock.Advance(9 * time.Minute)

	sess, err := f.mgr.Refresh(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.ExpiresAt.Equal(f.clock.Now().Add(10*time.Minute)))

	f.clock.Advance(9 * time.Minute)
	sess, err = f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, sess)

	sess, err = f.mgr.Refresh(ctx, "missing")
	assert.NoError(t, err)
	assert.Nil(t, sess)
}

func TestMaxSessionsPerPrincipal(t *testing.T) {
	const limit = 3
	f := newFixture(t, Config{TTL: time.Hour, MaxSessionsPerPrincipal: limit})
	ctx := context.Background()

	var ids []string
	for i := 0; i < limit+2; i++ {
		id, err := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
		require.NoError(t, err)
		ids = append(ids, id)
		f.clock.Advance(time.Second)
	}

	for i, id := range ids {
		sess, err := f.mgr.Get(ctx, id)
		require.NoError(t, err)
		if i < 2 {
			assert.Nil(t, sess, "session %d should have been evicted", i)
		} else {
			assert.NotNil(t, sess, "session %d should survive", i)
		}
	}

	live, err := f.mgr.UserSessions(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, live, limit)

	assert.Equal(t, float64(2), promtest.ToFloat64(f.metrics.SessionsDestroyed.WithLabelValues("evicted")))
}

func TestMaxSessions_SameInstantKeepsNewest(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxSessionsPerPrincipal: 1})
	ctx := context.Background()

	// The clock never moves, so both sessions share CreatedAt.
	for i := 0; i < 20; i++ {
		principal := fmt.Sprintf("p-%d", i)
		first, err := f.mgr.Create(ctx, CreateParams{PrincipalID: principal})
		require.NoError(t, err)
		second, err := f.mgr.Create(ctx, CreateParams{PrincipalID: principal})
		require.NoError(t, err)

		sess, err := f.mgr.Get(ctx, second)
		require.NoError(t, err)
		require.NotNil(t, sess, "round %d: the id returned by Create must stay live", i)

		sess, err = f.mgr.Get(ctx, first)
		require.NoError(t, err)
		assert.Nil(t, sess, "round %d", i)
	}
}

func TestMaxSessions_OtherPrincipalsUnaffected(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxSessionsPerPrincipal: 1})
	ctx := context.Background()

	a, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "a"})
	f.clock.Advance(time.Second)
	_, _ = f.mgr.Create(ctx, CreateParams{PrincipalID: "b"})

	sess, err := f.mgr.Get(ctx, a)
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	ctx := context.Background()

	id, _ := f.mgr.Create(ctx, CreateParams{
		PrincipalID: "p",
		Email:       "old@example.com",
		Roles:       []string{"user"},
		Metadata:    map[string]any{"a": "1", "b": "2"},
	})
	f.clock.Advance(10 * time.Minute)

	email := "new@example.com"
	ok, err := f.mgr.Update(ctx, id, Update{
		Email:    &email,
		Metadata: map[string]any{"b": "3", "c": "4"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	sess, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "new@example.com", sess.Email)
	assert.Equal(t, []string{"user"}, sess.Roles, "nil roles leave roles unchanged")
	assert.Equal(t, map[string]any{"a": "1", "b": "3", "c": "4"}, sess.Metadata)
	assert.True(t, sess.ExpiresAt.Equal(epoch.Add(time.Hour)), "update keeps expiry")

	ttl, _ := f.store.TTL(ctx, "sess:"+id)
	assert.Equal(t, 50*time.Minute, ttl)

	ok, err = f.mgr.Update(ctx, "missing", Update{Email: &email})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	ctx := context.Background()

	id, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})

	ok, err := f.mgr.Destroy(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.mgr.Destroy(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	members, _ := f.store.SMembers(ctx, "sess:user:p")
	assert.Empty(t, members)
}

func TestDestroyUserSessions(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})
		ids = append(ids, id)
	}
	other, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "q"})

	n, err := f.mgr.DestroyUserSessions(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range ids {
		sess, _ := f.mgr.Get(ctx, id)
		assert.Nil(t, sess)
	}
	sess, _ := f.mgr.Get(ctx, other)
	assert.NotNil(t, sess)

	n, err = f.mgr.DestroyUserSessions(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.mgr.DestroyUserSessions(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestValidate(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Minute})
	ctx := context.Background()

	id, _ := f.mgr.Create(ctx, CreateParams{PrincipalID: "p"})

	res := f.mgr.Validate(ctx, id)
	assert.True(t, res.IsValid)
	require.NotNil(t, res.Session)
	assert.Equal(t, id, res.Session.ID)

	assert.Equal(t, ReasonMissingID, f.mgr.Validate(ctx, "").Reason)
	assert.Equal(t, ReasonNotFound, f.mgr.Validate(ctx, "nope").Reason)

	_, _ = f.store.Expire(ctx, "sess:"+id, time.Hour)
	f.clock.Advance(2 * time.Minute)
	res = f.mgr.Validate(ctx, id)
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestStoreUnavailableNeverDestroys(t *testing.T) {
	mgr, err := New(testutil.BrokenStore{}, Config{}, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := mgr.Get(ctx, "some-id")
	assert.Nil(t, sess)
	assert.True(t, store.IsUnavailable(err))

	res := mgr.Validate(ctx, "some-id")
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonStoreUnavailable, res.Reason)
	assert.True(t, store.IsUnavailable(res.Err))

	_, err = mgr.Create(ctx, CreateParams{PrincipalID: "p"})
	assert.True(t, store.IsUnavailable(err))
}

func TestSessionPredicates(t *testing.T) {
	s := &Session{
		Roles:       []string{"analyst", "reviewer"},
		Permissions: []string{"ledger:read"},
		ExpiresAt:   epoch,
	}

	tests := []struct {
		name string
		got  bool
		want bool
	}{
		{"has role", s.HasRole("analyst"), true},
		{"missing role", s.HasRole("admin"), false},
		{"any role", s.HasAnyRole("admin", "reviewer"), true},
		{"no role", s.HasAnyRole("admin"), false},
		{"has permission", s.HasPermission("ledger:read"), true},
		{"missing permission", s.HasPermission("ledger:write"), false},
		{"expired at boundary", s.IsExpired(epoch), false},
		{"expired after", s.IsExpired(epoch.Add(time.Millisecond)), true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// logoutOnRead deletes key right after its first read, standing in for a
// logout that lands between a load and the following rewrite.
type logoutOnRead struct {
	store.Store
	key  string
	once sync.Once
}

func (s *logoutOnRead) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Store.Get(ctx, key)
	if key == s.key {
		s.once.Do(func() { _, _ = s.Store.Delete(ctx, key) })
	}
	return data, err
}

func TestRewriteNeverResurrectsDestroyedSession(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		rewrite func(ctx context.Context, mgr *Manager, id string) (bool, error)
	}{
		{
			name: "extend on access",
			cfg:  Config{TTL: time.Hour, ExtendOnAccess: true},
			rewrite: func(ctx context.Context, mgr *Manager, id string) (bool, error) {
				sess, err := mgr.Get(ctx, id)
				return sess != nil, err
			},
		},
		{
			name: "refresh",
			cfg:  Config{TTL: time.Hour},
			rewrite: func(ctx context.Context, mgr *Manager, id string) (bool, error) {
				sess, err := mgr.Refresh(ctx, id)
				return sess != nil, err
			},
		},
		{
			name: "update",
			cfg:  Config{TTL: time.Hour},
			rewrite: func(ctx context.Context, mgr *Manager, id string) (bool, error) {
				email := "x@example.com"
				return mgr.Update(ctx, id, Update{Email: &email})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := testutil.NewClock(epoch)
			mem := testutil.NewMemStore(clock)
			wrapped := &logoutOnRead{Store: mem}
			mgr, err := New(wrapped, tt.cfg, WithClock(clock.Now), WithLogger(zerolog.Nop()))
			require.NoError(t, err)

			id, err := mgr.Create(ctx, CreateParams{PrincipalID: "p"})
			require.NoError(t, err)
			wrapped.key = "sess:" + id

			found, err := tt.rewrite(ctx, mgr, id)
			require.NoError(t, err)
			assert.False(t, found)

			exists, err := mem.Exists(ctx, "sess:"+id)
			require.NoError(t, err)
			assert.False(t, exists, "destroyed record must not be written back")

			sess, err := mgr.Get(ctx, id)
			require.NoError(t, err)
			assert.Nil(t, sess)
		})
	}
}
