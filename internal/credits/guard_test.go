package credits

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBonusGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	guard := NewRedisBonusGuard(client, time.Minute)
	ctx := context.Background()

	release, err := guard.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.True(t, mr.Exists("credits:bonus-lock:7"))

	_, err = guard.Acquire(ctx, 7)
	assert.ErrorIs(t, err, ErrBonusInProgress)

	other, err := guard.Acquire(ctx, 8)
	require.NoError(t, err)
	other()

	release()
	assert.False(t, mr.Exists("credits:bonus-lock:7"))

	again, err := guard.Acquire(ctx, 7)
	require.NoError(t, err)
	again()
}

func TestRedisBonusGuardLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	guard := NewRedisBonusGuard(client, time.Second)
	_, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	release, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
}

func TestRedisBonusGuardReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	guard := NewRedisBonusGuard(client, time.Second)
	stale, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	fresh, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("credits:bonus-lock:1"), "stale release must not drop the new holder's lock")
	fresh()
	assert.False(t, mr.Exists("credits:bonus-lock:1"))
}

func TestLocalBonusGuard(t *testing.T) {
	guard := NewLocalBonusGuard()
	release, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)

	_, err = guard.Acquire(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBonusInProgress)

	release()
	release2, err := guard.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release2()
}
