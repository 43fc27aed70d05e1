// Package cache wraps Redis for the two process-wide, non-durable concerns
// that sit alongside the durable store: the identity-hash dedup window
// (§3 inv. 7) and the reenqueue idempotency marker (§4.6, §5 idempotency).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Cache is the minimal key/value surface the engine needs from Redis.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SetNX sets key only if absent, returning true when this call won the race.
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Close() error
}

// RedisCache implements Cache using github.com/go-redis/redis/v8.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCache(addr, password string, db int, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key not found: %s", key)
	} else if err != nil {
		return "", fmt.Errorf("get key %s: %w", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := c.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("set key %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	val, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check existence of key %s: %w", key, err)
	}
	return val > 0, nil
}

func (c *RedisCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		return false, fmt.Errorf("setnx key %s: %w", key, err)
	}
	return ok, nil
}

func (c *RedisCache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis connection: %w", err)
	}
	return nil
}

// DedupWindow is the duration identity hashes are remembered for (§3 inv.
// 7's "dedup window"). One-minute bucketing of requested_at (in
// ComputeIdentityHash) means two minutes comfortably covers the boundary.
const DedupWindow = 2 * time.Minute

func identityKey(hash string) string { return "tasker:identity:" + hash }

// ClaimIdentity attempts to reserve an identity hash for the dedup window.
// Returns false when a task with this identity was already created recently.
func ClaimIdentity(ctx context.Context, c Cache, hash string) (bool, error) {
	return c.SetNX(ctx, identityKey(hash), time.Now().Unix(), DedupWindow)
}

func reenqueueKey(taskID int64) string { return fmt.Sprintf("tasker:reenqueued:%d", taskID) }

// MarkReenqueued records that a task is already queued for its next
// iteration so repeated reenqueue(task) calls are idempotent (§4.6, §5).
// The marker expires on its own so a stuck worker doesn't wedge the task.
func MarkReenqueued(ctx context.Context, c Cache, taskID int64, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, reenqueueKey(taskID), time.Now().Unix(), ttl)
}

// ClearReenqueued releases the marker once the task has been picked back up.
func ClearReenqueued(ctx context.Context, c Cache, taskID int64) error {
	return c.Delete(ctx, reenqueueKey(taskID))
}
