package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// putScript writes a checkpoint only if seq is greater than the session's
// head sequence. The history entry and the head are written in the same
// script, so readers never see a partial write. Every key carries the
// session hash tag and lands in one cluster slot.
//
// KEYS[1] = head hash        (seq, state, created_at of the latest checkpoint)
// KEYS[2] = checkpoint hash  (state, created_at)
// KEYS[3] = history zset     (seq scored by seq)
// ARGV    = seq, state, created_at
var putScript = redis.NewScript(`
local latest = redis.call("HGET", KEYS[1], "seq")
local seq = tonumber(ARGV[1])
if latest and seq <= tonumber(latest) then
    return {0, latest}
end
redis.call("HSET", KEYS[2], "state", ARGV[2], "created_at", ARGV[3])
redis.call("ZADD", KEYS[3], seq, ARGV[1])
redis.call("HSET", KEYS[1], "seq", ARGV[1], "state", ARGV[2], "created_at", ARGV[3])
return {1, ARGV[1]}
`)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Addr is host:port. A comma-separated list selects a cluster client.
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore shares checkpoints between forge processes on different hosts.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(cfg.Addr, ","),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisStore(client, cfg.Prefix, logger), nil
}

func newRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "forge"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// sessionsKey is the only key shared across sessions. It orders sessions
// by last update and is maintained outside the put script.
func (s *RedisStore) sessionsKey() string { return s.prefix + ":cp:sessions" }

func (s *RedisStore) headKey(sessionID string) string {
	return s.prefix + ":cp:{" + sessionID + "}:head"
}

func (s *RedisStore) historyKey(sessionID string) string {
	return s.prefix + ":cp:{" + sessionID + "}:history"
}

func (s *RedisStore) checkpointKey(sessionID string, seq uint64) string {
	return s.prefix + ":cp:{" + sessionID + "}:" + strconv.FormatUint(seq, 10)
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, sessionID string, seq uint64, state []byte) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.put")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID), attribute.Int64("seq", int64(seq)))

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateSession(sessionID); err != nil {
		return err
	}

	now := timeNow().UTC()
	res, err := putScript.Run(ctx, s.client,
		[]string{s.headKey(sessionID), s.checkpointKey(sessionID, seq), s.historyKey(sessionID)},
		strconv.FormatUint(seq, 10), state, now.Format(timeLayout),
	).Slice()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if len(res) < 2 {
		return fmt.Errorf("unexpected put script reply: %v", res)
	}
	if ok, _ := res[0].(int64); ok == 0 {
		return fmt.Errorf("%w: session %s has seq %v, got %d", ErrStaleSequence, sessionID, res[1], seq)
	}
	// The checkpoint is durable at this point; a missed index update is
	// repaired by the session's next put.
	if err := s.client.ZAdd(ctx, s.sessionsKey(), redis.Z{Score: float64(now.UnixMilli()), Member: sessionID}).Err(); err != nil {
		s.logger.Warn("indexing checkpoint session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

// GetLatest implements Store.
func (s *RedisStore) GetLatest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.get_latest")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	// One read of the head so a concurrent Prune cannot split it.
	vals, err := s.client.HMGet(ctx, s.headKey(sessionID), "seq", "state", "created_at").Result()
	if err != nil {
		return nil, fmt.Errorf("reading latest checkpoint: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt latest sequence %q: %w", raw, err)
	}
	state, _ := vals[1].(string)
	created, _ := vals[2].(string)
	return &Checkpoint{
		SessionID: sessionID,
		Seq:       seq,
		State:     []byte(state),
		CreatedAt: parseTime(created),
	}, nil
}

// ListSessions implements Store.
func (s *RedisStore) ListSessions(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRevRange(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return ids, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, sessionID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	seqs, err := s.client.ZRange(ctx, s.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	infos := make([]Info, 0, len(seqs))
	for _, raw := range seqs {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		key := s.checkpointKey(sessionID, seq)
		size, err := s.client.HStrLen(ctx, key, "state").Result()
		if err != nil {
			return nil, err
		}
		created, err := s.client.HGet(ctx, key, "created_at").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		infos = append(infos, Info{Seq: seq, Size: int(size), CreatedAt: parseTime(created)})
	}
	return infos, nil
}

// Prune implements Store.
func (s *RedisStore) Prune(ctx context.Context, opts PruneOptions) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if opts.KeepLatest < 0 || opts.OlderThan < 0 {
		return 0, errors.New("prune options must be non-negative")
	}

	removed := 0
	if opts.OlderThan > 0 {
		cutoff := timeNow().Add(-opts.OlderThan).UnixMilli()
		expired, err := s.client.ZRangeByScore(ctx, s.sessionsKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return removed, fmt.Errorf("finding expired sessions: %w", err)
		}
		for _, id := range expired {
			n, err := s.dropHistory(ctx, id, 0, -1)
			removed += n
			if err != nil {
				return removed, err
			}
			if err := s.client.Del(ctx, s.headKey(id), s.historyKey(id)).Err(); err != nil {
				return removed, fmt.Errorf("removing session %s: %w", id, err)
			}
			if err := s.client.ZRem(ctx, s.sessionsKey(), id).Err(); err != nil {
				return removed, fmt.Errorf("unindexing session %s: %w", id, err)
			}
		}
	}

	if opts.KeepLatest > 0 {
		ids, err := s.ListSessions(ctx)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			n, err := s.dropHistory(ctx, id, 0, int64(-opts.KeepLatest-1))
			removed += n
			if err != nil {
				return removed, err
			}
		}
	}

	s.logger.Info("checkpoints pruned", zap.Int("removed", removed))
	return removed, nil
}

// dropHistory deletes the checkpoints in history rank range [start, stop].
func (s *RedisStore) dropHistory(ctx context.Context, sessionID string, start, stop int64) (int, error) {
	seqs, err := s.client.ZRange(ctx, s.historyKey(sessionID), start, stop).Result()
	if err != nil {
		return 0, fmt.Errorf("reading history of %s: %w", sessionID, err)
	}
	if len(seqs) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	members := make([]interface{}, 0, len(seqs))
	for _, raw := range seqs {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		pipe.Del(ctx, s.checkpointKey(sessionID, seq))
		members = append(members, raw)
	}
	pipe.ZRem(ctx, s.historyKey(sessionID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("deleting history of %s: %w", sessionID, err)
	}
	return len(members), nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
