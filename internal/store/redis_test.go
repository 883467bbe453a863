package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStoreFromClient(client, "breaker:")
}

func TestRedisStore_InitialStateIsClosed(t *testing.T) {
	s := newTestRedisStore(t)

	rec, err := s.GetState(context.Background(), "/api")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
	assert.True(t, rec.OpenedAt.IsZero())
}

func TestRedisStore_SetState_CAS(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	swapped, err := s.SetState(ctx, "/api", StateHalfOpen, StateOpen)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.SetState(ctx, "/api", StateOpen, StateClosed)
	require.NoError(t, err)
	assert.True(t, swapped)

	rec, err := s.GetState(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)
	assert.False(t, rec.OpenedAt.IsZero())

	// Repeating the same transition no longer swaps.
	swapped, err = s.SetState(ctx, "/api", StateOpen, StateClosed)
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestRedisStore_IncrementAndClearFailures(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	count, err := s.IncrementFailures(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = s.IncrementFailures(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.ClearFailures(ctx, "/api"))

	count, err = s.IncrementFailures(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStore_SetHalfOpenPending(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	prior, err := s.SetHalfOpenPending(ctx, "/api", true)
	require.NoError(t, err)
	assert.False(t, prior)

	prior, err = s.SetHalfOpenPending(ctx, "/api", true)
	require.NoError(t, err)
	assert.True(t, prior)

	prior, err = s.SetHalfOpenPending(ctx, "/api", false)
	require.NoError(t, err)
	assert.True(t, prior)
}

func TestRedisStore_Remove(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.SetState(ctx, "/api", StateOpen, StateClosed)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "/api"))

	rec, err := s.GetState(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, rec.State)
}

func TestRedisStore_UnavailableSurfacesStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStoreFromClient(client, "breaker:")
	mr.Close()

	_, err := s.GetState(context.Background(), "/api")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = s.SetState(context.Background(), "/api", StateOpen, StateClosed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_KeysArePrefixed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisStoreFromClient(client, "cb:")

	_, err := s.SetState(context.Background(), "/api", StateOpen, StateClosed)
	require.NoError(t, err)

	assert.True(t, mr.Exists("cb:/api"))
}
