package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fillier/name-that-thing/internal/backend/pixelation"
)

// ArtifactCache is a read-through cache in front of the persistence adapter
// for gameplay serving. All failures are soft: a miss and an error look the
// same to the caller, which falls through to storage.
type ArtifactCache interface {
	Get(ctx context.Context, imageID string, level pixelation.Level) ([]byte, bool)
	Put(ctx context.Context, imageID string, level pixelation.Level, blob []byte)
	Invalidate(ctx context.Context, imageID string)
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(address string, ttl time.Duration) *RedisCache {
	client := redis.NewClient(&redis.Options{Addr: address})
	return NewRedisCacheWithClient(client, ttl)
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func artifactKey(imageID string, level pixelation.Level) string {
	return fmt.Sprintf("artifact:%s:%d", imageID, int(level))
}

func (c *RedisCache) Get(ctx context.Context, imageID string, level pixelation.Level) ([]byte, bool) {
	blob, err := c.client.Get(ctx, artifactKey(imageID, level)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("artifact cache read failed", "image_id", imageID, "level", int(level), "error", err)
		}
		return nil, false
	}
	if len(blob) == 0 {
		return nil, false
	}
	return blob, true
}

func (c *RedisCache) Put(ctx context.Context, imageID string, level pixelation.Level, blob []byte) {
	if len(blob) == 0 {
		return
	}
	if err := c.client.Set(ctx, artifactKey(imageID, level), blob, c.ttl).Err(); err != nil {
		slog.Warn("artifact cache write failed", "image_id", imageID, "level", int(level), "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, imageID string) {
	keys := make([]string, 0, len(pixelation.AllLevels))
	for _, level := range pixelation.AllLevels {
		keys = append(keys, artifactKey(imageID, level))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("artifact cache invalidation failed", "image_id", imageID, "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
