package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisPrefix = "pausevm:task:"

var (
	_ Store   = (*RedisStore)(nil)
	_ Lister  = (*RedisStore)(nil)
	_ Clearer = (*RedisStore)(nil)
)

// RedisStore keeps each task as a JSON string whose key expires at the
// task's ExpiresAt, so it needs no sweeper.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(taskID string) string {
	return s.prefix + taskID
}

// keyTTL derives the key lifetime from ExpiresAt, falling back to DefaultTTL
// when the task has none.
func (s *RedisStore) keyTTL(task Task) time.Duration {
	if task.ExpiresAt.IsZero() {
		return DefaultTTL
	}
	return task.ExpiresAt.Sub(s.now())
}

func (s *RedisStore) Save(ctx context.Context, task Task) error {
	if s == nil || s.rdb == nil {
		return ErrStoreNotInitialized
	}

	ttl := s.keyTTL(task)
	if ttl <= 0 {
		// Already expired: make sure no stale copy survives.
		if err := s.rdb.Del(ctx, s.key(task.ID)).Err(); err != nil {
			return fmt.Errorf("delete expired task failed: %w", err)
		}
		return nil
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task failed: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(task.ID), taskJSON, ttl).Err(); err != nil {
		return fmt.Errorf("store task failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, taskID string) (*Task, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrStoreNotInitialized
	}

	raw, err := s.rdb.Get(ctx, s.key(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task failed: %w", err)
	}

	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task failed: %w", err)
	}
	return &task, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	if s == nil || s.rdb == nil {
		return ErrStoreNotInitialized
	}
	if err := s.rdb.Del(ctx, s.key(taskID)).Err(); err != nil {
		return fmt.Errorf("delete task failed: %w", err)
	}
	return nil
}

func (s *RedisStore) keys(ctx context.Context) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan task keys failed: %w", err)
		}
		out = append(out, batch...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisStore) List(ctx context.Context) ([]Task, error) {
	if s == nil || s.rdb == nil {
		return nil, ErrStoreNotInitialized
	}

	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(keys))
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get task failed: %w", err)
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			return nil, fmt.Errorf("unmarshal task failed: %w", err)
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return ErrStoreNotInitialized
	}

	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear tasks failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
