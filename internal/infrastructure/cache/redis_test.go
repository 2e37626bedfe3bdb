package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leyvacars/similarity-api/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, ttl, discardLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Hour)
	ctx := context.Background()
	key := domain.EmbeddingKey("stub-v1", "https://img.example.com/a.jpg")

	require.NoError(t, c.Set(ctx, key, domain.Vector{0.5, -0.25, 1}))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.Vector{0.5, -0.25, 1}, got)
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestRedisCache_Expiry(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "embedding:m:k", domain.Vector{1}))
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "embedding:m:k")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestRedisCache_Miss(t *testing.T) {
	c, _ := newTestRedisCache(t, time.Minute)

	_, err := c.Get(context.Background(), "embedding:m:absent")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	require.NoError(t, mr.Set("embedding:m:bad", "not-json"))

	_, err := c.Get(context.Background(), "embedding:m:bad")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
	assert.False(t, mr.Exists("embedding:m:bad"))
}

func TestRedisCache_KeyMismatchIsMiss(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "embedding:m:one", domain.Vector{1}))
	raw, err := mr.Get("embedding:m:one")
	require.NoError(t, err)
	require.NoError(t, mr.Set("embedding:m:two", raw))

	_, err = c.Get(ctx, "embedding:m:two")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestRedisCache_Clear(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, mr.Set("session:abc", "keep-me"))

	for i, key := range []string{"embedding:m:a", "embedding:m:b", "embedding:m:c"} {
		require.NoError(t, c.Set(ctx, key, domain.Vector{float32(i + 1)}))
	}

	got, err := c.Get(ctx, "embedding:m:b")
	require.NoError(t, err)
	assert.Equal(t, domain.Vector{2}, got)

	require.NoError(t, c.Clear(ctx))

	for _, key := range []string{"embedding:m:a", "embedding:m:b", "embedding:m:c"} {
		assert.False(t, mr.Exists(key), key)
	}
	assert.True(t, mr.Exists("session:abc"), "clear must only touch embedding keys")
}

func TestRedisCache_Delete(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "embedding:m:x", domain.Vector{1}))
	require.NoError(t, c.Delete(ctx, "embedding:m:x"))
	assert.False(t, mr.Exists("embedding:m:x"))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "://bad")
	assert.Error(t, err)
}
