//go:build integration

package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/fincoord/internal/testutil"
	"github.com/Sternrassler/fincoord/pkg/store/redisstore"
)

func newRedisManager(t *testing.T, cfg Config) (*Manager, *redisstore.Store) {
	t.Helper()
	s, err := redisstore.New(testutil.StartRedis(t), redisstore.WithOpTimeout(2*time.Second))
	require.NoError(t, err)
	mgr, err := New(s, cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return mgr, s
}

func TestIntegration_CreateIndexesAndCaps(t *testing.T) {
	mgr, s := newRedisManager(t, Config{TTL: time.Minute, MaxSessionsPerPrincipal: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := mgr.Create(ctx, CreateParams{PrincipalID: "user-42", Roles: []string{"user"}})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond)
	}

	members, err := s.SMembers(ctx, "sess:user:user-42")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[2:], members)

	ttl, err := s.TTL(ctx, "sess:user:user-42")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	for _, id := range ids[2:] {
		sess, err := mgr.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.True(t, sess.HasRole("user"))
	}
}

func TestIntegration_RecordExpiresOnServer(t *testing.T) {
	mgr, _ := newRedisManager(t, Config{TTL: 300 * time.Millisecond})
	ctx := context.Background()

	id, err := mgr.Create(ctx, CreateParams{PrincipalID: "short"})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	res := mgr.Validate(ctx, id)
	assert.False(t, res.IsValid)
	assert.Equal(t, ReasonNotFound, res.Reason)

	live, err := mgr.UserSessions(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, live)
}
