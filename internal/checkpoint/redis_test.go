package checkpoint

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newMiniredisStore runs the store against an in-process server.
func newMiniredisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s := newRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "forge-test", zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// redisBackends yields miniredis always, plus a real server when
// FORGE_TEST_REDIS_ADDR is set.
func redisBackends(t *testing.T) map[string]func(t *testing.T) *RedisStore {
	t.Helper()
	backends := map[string]func(t *testing.T) *RedisStore{"miniredis": newMiniredisStore}
	if addr := os.Getenv("FORGE_TEST_REDIS_ADDR"); addr != "" {
		backends["server"] = func(t *testing.T) *RedisStore {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "forge-test-" + uuid.NewString()[:8]}, zaptest.NewLogger(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return backends
}

func TestRedisStore_Keys(t *testing.T) {
	s := newRedisStore(nil, "", nil)
	assert.Equal(t, "forge:cp:{abc}:head", s.headKey("abc"))
	assert.Equal(t, "forge:cp:{abc}:history", s.historyKey("abc"))
	assert.Equal(t, "forge:cp:{abc}:12", s.checkpointKey("abc", 12))

	// Everything the put script touches hashes to the session's slot.
	for _, key := range []string{s.headKey("abc"), s.historyKey("abc"), s.checkpointKey("abc", 12)} {
		assert.True(t, strings.Contains(key, "{abc}"), key)
	}
}

func TestRedisStore_StrictSequence(t *testing.T) {
	for name, open := range redisBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			_, err := s.GetLatest(ctx, "sess")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "sess", 1, []byte("one")))
			require.NoError(t, s.Put(ctx, "sess", 3, []byte("three")), "gaps are allowed")
			assert.ErrorIs(t, s.Put(ctx, "sess", 3, []byte("again")), ErrStaleSequence)
			assert.ErrorIs(t, s.Put(ctx, "sess", 2, []byte("older")), ErrStaleSequence)

			cp, err := s.GetLatest(ctx, "sess")
			require.NoError(t, err)
			assert.Equal(t, uint64(3), cp.Seq)
			assert.Equal(t, "three", string(cp.State))
			assert.False(t, cp.CreatedAt.IsZero())

			infos, err := s.List(ctx, "sess")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, uint64(1), infos[0].Seq)
			assert.Equal(t, len("three"), infos[1].Size)
		})
	}
}

func TestRedisStore_RacingWritersOneWins(t *testing.T) {
	for name, open := range redisBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			const writers = 8
			var wg sync.WaitGroup
			errs := make([]error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = s.Put(ctx, "race", 1, []byte{byte('a' + i)})
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				assert.ErrorIs(t, err, ErrStaleSequence)
			}
			assert.Equal(t, 1, wins)
		})
	}
}

func TestRedisStore_ListSessionsMostRecentFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	orig := timeNow
	timeNow = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }
	t.Cleanup(func() { timeNow = orig })

	for name, open := range redisBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "old", 1, []byte("x")))
			require.NoError(t, s.Put(ctx, "new", 1, []byte("x")))
			require.NoError(t, s.Put(ctx, "old", 2, []byte("y")))

			ids, err := s.ListSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"old", "new"}, ids)
		})
	}
}

func TestRedisStore_Prune(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })

	for name, open := range redisBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			now = base
			for seq := uint64(1); seq <= 5; seq++ {
				require.NoError(t, s.Put(ctx, "stale", seq, []byte("s")))
			}
			now = base.Add(48 * time.Hour)
			for seq := uint64(1); seq <= 5; seq++ {
				require.NoError(t, s.Put(ctx, "live", seq, []byte("l")))
			}

			// Reads and writes never prune.
			infos, err := s.List(ctx, "stale")
			require.NoError(t, err)
			assert.Len(t, infos, 5)

			removed, err := s.Prune(ctx, PruneOptions{OlderThan: 24 * time.Hour, KeepLatest: 2})
			require.NoError(t, err)
			assert.Equal(t, 5+3, removed)

			_, err = s.GetLatest(ctx, "stale")
			assert.ErrorIs(t, err, ErrNotFound)
			ids, err := s.ListSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"live"}, ids)

			infos, err = s.List(ctx, "live")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, uint64(4), infos[0].Seq)
			assert.Equal(t, uint64(5), infos[1].Seq)

			cp, err := s.GetLatest(ctx, "live")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), cp.Seq)
			assert.Equal(t, "l", string(cp.State))
		})
	}
}

func TestRedisStore_LatestSurvivesHistoryPrune(t *testing.T) {
	s := newMiniredisStore(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Put(ctx, "sess", seq, []byte{byte('0' + seq)}))
	}
	// Drop every history entry, including the newest; the head still answers.
	n, err := s.dropHistory(ctx, "sess", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cp, err := s.GetLatest(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cp.Seq)
	assert.Equal(t, "3", string(cp.State))
	assert.ErrorIs(t, s.Put(ctx, "sess", 3, []byte("x")), ErrStaleSequence)
}

func TestRedisStore_Closed(t *testing.T) {
	s := newMiniredisStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Put(ctx, "sess", 1, nil), ErrClosed)
	_, err := s.GetLatest(ctx, "sess")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ListSessions(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisStore_InvalidSession(t *testing.T) {
	s := newMiniredisStore(t)
	err := s.Put(context.Background(), "", 1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidSession)
}
