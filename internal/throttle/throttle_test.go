package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T, cfg Config) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedis(client, cfg, "test"), mr
}

func TestRedisBlocksAfterMaxAttempts(t *testing.T) {
	l, mr := newRedis(t, Config{MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "local:jane@acme.test")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, err := l.Allow(ctx, "local:jane@acme.test")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("test:local:jane@acme.test"))
	assert.Greater(t, mr.TTL("test:local:jane@acme.test"), time.Duration(0))

	// other keys are unaffected
	ok, err = l.Allow(ctx, "local:bob@acme.test")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = l.Allow(ctx, "local:jane@acme.test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisWindowIsSetWithFirstAttempt(t *testing.T) {
	l, mr := newRedis(t, Config{MaxAttempts: 5, Window: time.Minute})
	ctx := context.Background()

	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
	got, err := mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	// later attempts count without extending the window
	mr.FastForward(30 * time.Second)
	_, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("test:k"))
	got, err = mr.Get("test:k")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestRedisReset(t *testing.T) {
	l, mr := newRedis(t, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "k")
	require.False(t, ok)

	require.NoError(t, l.Reset(ctx, "k"))
	assert.False(t, mr.Exists("test:k"))
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestRedisUnavailable(t *testing.T) {
	l, mr := newRedis(t, Config{MaxAttempts: 1, Window: time.Minute})
	mr.Close()
	_, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestLocalRefillsOverWindow(t *testing.T) {
	l := NewLocal(Config{MaxAttempts: 2, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "k")
	assert.False(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, l.Reset(ctx, "k"))
	ok, _ = l.Allow(ctx, "k")
	assert.True(t, ok)
}
