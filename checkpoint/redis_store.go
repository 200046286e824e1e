package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists checkpoints in Redis. Each checkpoint is a JSON
// value under <prefix>:checkpoint:<id>; a per-thread sorted set indexed by
// version under <prefix>:thread:<threadID> provides latest/list queries.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed checkpoint store. A zero ttl keeps
// checkpoints until explicitly deleted.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "conductor"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	if err := s.client.Set(ctx, s.checkpointKey(cp.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	score := float64(cp.Version)
	if err := s.client.ZAdd(ctx, s.threadKey(cp.ThreadID), redis.Z{Score: score, Member: cp.ID}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", cp.ThreadID),
		zap.Int("version", cp.Version),
	)
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, corruptionError("stored checkpoint is not valid JSON", err)
	}
	return &cp, nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.threadKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for thread %s", ErrNotFound, threadID)
	}
	return s.Load(ctx, ids[0])
}

func (s *RedisStore) ListByThread(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.threadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			// Expired entries may linger in the index; skip them.
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("stale index entry", zap.String("checkpoint_id", id))
				continue
			}
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Version < checkpoints[j].Version })
	return checkpoints, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}
	if cp != nil {
		if err := s.client.ZRem(ctx, s.threadKey(cp.ThreadID), id).Err(); err != nil {
			return fmt.Errorf("redis zrem: %w", err)
		}
	}
	return s.client.Del(ctx, s.checkpointKey(id)).Err()
}

func (s *RedisStore) checkpointKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.prefix, id)
}

func (s *RedisStore) threadKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s", s.prefix, threadID)
}
