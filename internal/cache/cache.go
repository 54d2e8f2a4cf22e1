package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zkwaredao/gradeflow/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
//
// The cache mirrors task status and progress so UI pollers never hit the
// queue lock or the database; it is best-effort and never authoritative.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, ttl time.Duration) error
	GetTaskStatus(ctx context.Context, taskID string) (models.TaskStatus, bool, error)
	SetTaskProgress(ctx context.Context, taskID string, progress models.TaskProgress, ttl time.Duration) error
	GetTaskProgress(ctx context.Context, taskID string) (models.TaskProgress, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, ttl time.Duration) error {
	return c.client.Set(ctx, TaskStatusKey(taskID), string(status), ttl).Err()
}

func (c *RedisCache) GetTaskStatus(ctx context.Context, taskID string) (models.TaskStatus, bool, error) {
	val, err := c.client.Get(ctx, TaskStatusKey(taskID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.TaskStatus(val), true, nil
}

func (c *RedisCache) SetTaskProgress(ctx context.Context, taskID string, progress models.TaskProgress, ttl time.Duration) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return c.client.Set(ctx, TaskProgressKey(taskID), data, ttl).Err()
}

func (c *RedisCache) GetTaskProgress(ctx context.Context, taskID string) (models.TaskProgress, bool, error) {
	var progress models.TaskProgress
	data, err := c.client.Get(ctx, TaskProgressKey(taskID)).Bytes()
	if err == redis.Nil {
		return progress, false, nil
	}
	if err != nil {
		return progress, false, err
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		return progress, false, fmt.Errorf("unmarshal progress: %w", err)
	}
	return progress, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

var _ Cache = (*RedisCache)(nil)
