package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/classroomx/chatsync"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ttl)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	msgs := []chatsync.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: chatsync.TextBody("hi"), CreatedAt: now, Status: chatsync.StatusConfirmed},
		{ID: "client-1", Token: "client-1", ConversationID: "c1", SenderID: "alice", Body: chatsync.TextBody("pending"), CreatedAt: now, Status: chatsync.StatusPending},
	}

	t.Run("round trip keeps only confirmed messages", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		require.NoError(t, c.Save(ctx, "c1", msgs))

		got, ok := c.Load(ctx, "c1")
		require.True(t, ok)
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "hi", got[0].Body.Text)
		assert.True(t, got[0].CreatedAt.Equal(now))
	})

	t.Run("miss", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		_, ok := c.Load(ctx, "nope")
		assert.False(t, ok)
	})

	t.Run("expires after ttl", func(t *testing.T) {
		c, mr := newTestCache(t, time.Minute)
		require.NoError(t, c.Save(ctx, "c1", msgs))
		mr.FastForward(2 * time.Minute)
		_, ok := c.Load(ctx, "c1")
		assert.False(t, ok)
	})

	t.Run("invalidate", func(t *testing.T) {
		c, mr := newTestCache(t, 0)
		require.NoError(t, c.Save(ctx, "c1", msgs))
		require.True(t, mr.Exists(keyPrefix+"c1"))
		require.NoError(t, c.Invalidate(ctx, "c1"))
		assert.False(t, mr.Exists(keyPrefix+"c1"))
		require.NoError(t, c.Invalidate(ctx, "c1"))
	})

	t.Run("garbage value is a miss", func(t *testing.T) {
		c, mr := newTestCache(t, 0)
		require.NoError(t, mr.Set(keyPrefix+"c1", "not msgpack"))
		_, ok := c.Load(ctx, "c1")
		assert.False(t, ok)
	})

	t.Run("ping", func(t *testing.T) {
		c, _ := newTestCache(t, 0)
		assert.NoError(t, c.Ping(ctx))
	})
}
