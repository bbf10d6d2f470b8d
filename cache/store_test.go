package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// MemoryStore
// ---------------------------------------------------------------------------

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore(time.Minute, zap.NewNop())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("hello"), time.Minute))

	val, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), val)
}

func TestMemoryStore_MissOnUnknownKey(t *testing.T) {
	s := NewMemoryStore(time.Minute, zap.NewNop())
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ExpiredEntryIsMiss(t *testing.T) {
	s := NewMemoryStore(time.Hour, zap.NewNop())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), 10*time.Millisecond))

	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	// 惰性驱逐：过期条目被顺带删除
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_OverwriteRefreshesTTL(t *testing.T) {
	s := NewMemoryStore(time.Hour, zap.NewNop())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("old"), 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "k1", []byte("new"), time.Minute))

	time.Sleep(30 * time.Millisecond)

	val, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), val)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(time.Minute, zap.NewNop())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k1"))

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_CleanupLoop(t *testing.T) {
	s := NewMemoryStore(20*time.Millisecond, zap.NewNop())
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), 5*time.Millisecond))
	require.NoError(t, s.Set(ctx, "k2", []byte("v"), time.Minute))

	assert.Eventually(t, func() bool {
		return s.Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_ClosedReturnsError(t *testing.T) {
	s := NewMemoryStore(time.Minute, zap.NewNop())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "k", nil, time.Minute), ErrClosed)
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	// Close 幂等
	assert.NoError(t, s.Close())
}

// ---------------------------------------------------------------------------
// RedisStore (miniredis)
// ---------------------------------------------------------------------------

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreWithClient(client, "test:cache:", zap.NewNop()), mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("hello"), time.Minute))

	val, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), val)
}

func TestRedisStore_MissOnUnknownKey(t *testing.T) {
	s, _ := newTestRedisStore(t)
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), time.Second))

	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k1", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("test:cache:k1"))
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", []byte("v"), time.Minute))
	require.NoError(t, s.Delete(ctx, "k1"))

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
