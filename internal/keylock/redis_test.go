package keylock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func testOptions() RedisOptions {
	return RedisOptions{
		TTL:        time.Second,
		Wait:       50 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
	}
}

func TestRedisLockAndRelease(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewRedis(client, testOptions(), nil)
	unlock, err := locker.Lock(context.Background(), "slot:x", "appointment:doctor:1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("clinic:lock:slot:x"))
	assert.True(t, mr.Exists("clinic:lock:appointment:doctor:1"))

	unlock()
	assert.False(t, mr.Exists("clinic:lock:slot:x"))
	assert.False(t, mr.Exists("clinic:lock:appointment:doctor:1"))
}

func TestRedisContendedKeyTimesOut(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	first := NewRedis(client, testOptions(), nil)
	second := NewRedis(client, testOptions(), nil)

	unlock, err := first.Lock(context.Background(), "slot:x")
	require.NoError(t, err)
	defer unlock()

	_, err = second.Lock(context.Background(), "slot:x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))
}

func TestRedisWaitsForRelease(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	opts := testOptions()
	opts.Wait = time.Second
	locker := NewRedis(client, opts, nil)

	unlock, err := locker.Lock(context.Background(), "slot:x")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		unlock()
	}()

	unlock2, err := locker.Lock(context.Background(), "slot:x")
	require.NoError(t, err)
	unlock2()
}

func TestRedisReleaseKeepsForeignToken(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	locker := NewRedis(client, testOptions(), nil)
	unlock, err := locker.Lock(context.Background(), "slot:x")
	require.NoError(t, err)

	// The lease expires and someone else takes the key.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("clinic:lock:slot:x", "other-owner"))

	unlock()
	got, err := mr.Get("clinic:lock:slot:x")
	require.NoError(t, err)
	assert.Equal(t, "other-owner", got)
}

func TestNewRedisPanicsWithoutClient(t *testing.T) {
	assert.Panics(t, func() { NewRedis(nil, RedisOptions{}, nil) })
}
