package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"grokghibli/models"
	"grokghibli/observability"
)

// RedisStore keeps tasks in Redis. When Redis fails, writes land in an
// in-process fallback. A fallback entry is newer than anything Redis holds
// for the same key, so reads check it first; the next successful Redis
// write for that key drops it.
type RedisStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	fallback *MemoryStore
	metrics  *observability.Metrics
}

// NewRedisStore connects to the Redis URL. An unreachable server is logged
// and tolerated; operations fall back until it comes back.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	s := NewRedisStoreFromClient(redis.NewClient(opts), ttl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Health(ctx); err != nil {
		observability.Warn("redis unavailable at startup, using local fallback until it recovers",
			"error", err)
	} else {
		observability.Info("connected to redis task cache")
	}

	return s, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:      rdb,
		ttl:      ttl,
		fallback: NewMemoryStore(ttl),
		metrics:  observability.GetMetrics(),
	}
}

// SaveStatus stores the task status as JSON
func (s *RedisStore) SaveStatus(ctx context.Context, task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := s.rdb.Set(ctx, statusKey(task.ID), data, s.ttl).Err(); err != nil {
		s.fallBack("save_status", task.ID, err)
		return s.fallback.SaveStatus(ctx, task)
	}
	s.fallback.del(statusKey(task.ID))
	s.metrics.RecordCacheOperation("save_status", "redis")
	return nil
}

// GetStatus loads the task status
func (s *RedisStore) GetStatus(ctx context.Context, id string) (*models.Task, error) {
	if _, ok := s.fallback.get(statusKey(id)); ok {
		s.metrics.RecordCacheFallback("get_status")
		return s.fallback.GetStatus(ctx, id)
	}

	data, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.fallBack("get_status", id, err)
		return nil, nil
	}
	s.metrics.RecordCacheOperation("get_status", "redis")

	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// UpdateProgress rewrites the stored status with a new progress value
func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	task, err := s.GetStatus(ctx, id)
	if err != nil || task == nil {
		return false, err
	}
	task.Progress = progress
	if err := s.SaveStatus(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// SaveImage stores the result image base64 encoded
func (s *RedisStore) SaveImage(ctx context.Context, id string, image []byte) error {
	encoded := base64.StdEncoding.EncodeToString(image)
	if err := s.rdb.Set(ctx, imageKey(id), encoded, s.ttl).Err(); err != nil {
		s.fallBack("save_image", id, err)
		return s.fallback.SaveImage(ctx, id, image)
	}
	s.fallback.del(imageKey(id))
	s.metrics.RecordCacheOperation("save_image", "redis")
	return nil
}

// GetImage loads the result image
func (s *RedisStore) GetImage(ctx context.Context, id string) ([]byte, error) {
	if image, ok := s.fallback.get(imageKey(id)); ok {
		s.metrics.RecordCacheFallback("get_image")
		return image, nil
	}

	encoded, err := s.rdb.Get(ctx, imageKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.fallBack("get_image", id, err)
		return nil, nil
	}
	s.metrics.RecordCacheOperation("get_image", "redis")

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image for task %s: %w", id, err)
	}
	return image, nil
}

// Delete removes the task from Redis and the fallback
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_ = s.fallback.Delete(ctx, id)
	if err := s.rdb.Del(ctx, statusKey(id), imageKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	s.metrics.RecordCacheOperation("delete", "redis")
	return nil
}

// Health pings Redis
func (s *RedisStore) Health(ctx context.Context) error {
	pong, err := s.rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", pong)
	}
	return nil
}

// Fallback returns the in-process store used during Redis outages
func (s *RedisStore) Fallback() *MemoryStore {
	return s.fallback
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) fallBack(op, id string, err error) {
	s.metrics.RecordCacheFallback(op)
	observability.WithTask(id).Warn("redis unavailable, using local fallback",
		"operation", op,
		"error", err)
}
