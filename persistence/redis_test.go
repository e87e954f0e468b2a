package persistence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:", nil), mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := newTestRedisStore(t)
		return s
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	a := newToken("i1", "fork-1/a", 0)
	require.NoError(t, s.SaveToken(ctx, a))

	assert.True(t, mr.Exists("test:tokens:i1"))
	members, err := mr.Members("test:active:i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fork-1/a"}, members)
	assert.Contains(t, mr.HGet("test:tokens:i1", "fork-1/a"), `"activity_id":"task-fork-1/a"`)

	require.NoError(t, s.MarkDone(ctx, a))
	assert.False(t, mr.Exists("test:active:i1"), "empty set is removed")
	assert.Contains(t, mr.HGet("test:tokens:i1", "fork-1/a"), `"done":true`)
}

func TestRedisStore_DefaultPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "", nil)
	require.NoError(t, s.SaveToken(ctx, newToken("i1", "a", 0)))
	assert.True(t, mr.Exists("flowgate:tokens:i1"))
}

func TestRedisStore_StaleIndexEntrySkipped(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.SaveToken(ctx, newToken("i1", "a", 0)))
	_, err := mr.SetAdd("test:active:i1", "ghost")
	require.NoError(t, err)

	active, err := s.FindActiveTokens(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tokenIDs(active))
}

func TestRedisStore_BackendError(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	mr.Close()

	assert.Error(t, s.Ping(ctx))
	err := s.SaveToken(ctx, newToken("i1", "a", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis save token a")
}

func TestRedisStore_Closed(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.SaveToken(ctx, newToken("i1", "a", 0)), ErrStoreClosed)
}
