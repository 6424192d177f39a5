package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store   KeyedStore
	advance func(time.Duration)
}

func harnesses(t *testing.T) map[string]harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	return map[string]harness{
		"redis": {
			store:   NewRedisStoreFromClient(client, "test:"),
			advance: mr.FastForward,
		},
		"memory": {
			store:   NewMemoryStoreWithClock(clock.Now),
			advance: clock.Advance,
		},
	}
}

func TestKeyedStore(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store

			require.NoError(t, s.Ping(ctx))

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set(ctx, "a", "1", time.Minute))
			v, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "1", v)

			ok, err := s.Exists(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Delete(ctx, "a", "never-set"))
			ok, err = s.Exists(ctx, "a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestKeyedStoreExpiry(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store

			require.NoError(t, s.Set(ctx, "short", "x", time.Second))
			require.NoError(t, s.Set(ctx, "forever", "y", 0))

			h.advance(2 * time.Second)

			_, err := s.Get(ctx, "short")
			assert.ErrorIs(t, err, ErrNotFound)

			v, err := s.Get(ctx, "forever")
			require.NoError(t, err)
			assert.Equal(t, "y", v)
		})
	}
}

func TestKeyedStoreSets(t *testing.T) {
	for name, h := range harnesses(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := h.store

			members, err := s.Members(ctx, "user:alice")
			require.NoError(t, err)
			assert.Empty(t, members)

			require.NoError(t, s.AddToSet(ctx, "user:alice", "t1", time.Minute))
			require.NoError(t, s.AddToSet(ctx, "user:alice", "t2", time.Minute))
			require.NoError(t, s.AddToSet(ctx, "user:alice", "t1", time.Minute))

			members, err = s.Members(ctx, "user:alice")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"t1", "t2"}, members)

			h.advance(2 * time.Minute)
			members, err = s.Members(ctx, "user:alice")
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestRedisStorePrefixesKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStoreFromClient(client, "vq:")
	require.NoError(t, s.Set(context.Background(), "access:abc", "v", time.Minute))

	assert.True(t, mr.Exists("vq:access:abc"))
	assert.False(t, mr.Exists("access:abc"))
}

func TestNewRedisStoreFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}
