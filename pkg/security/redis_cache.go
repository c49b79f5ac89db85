package security

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStatusCache shares OCSP responses between security server nodes.
// Redis errors are logged and reported as cache misses.
type RedisStatusCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStatusCache creates a cache storing entries for ttl under prefix.
func NewRedisStatusCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStatusCache {
	if prefix == "" {
		prefix = "xroad:ocsp:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStatusCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Get implements StatusCache
func (c *RedisStatusCache) Get(ctx context.Context, certHash string) ([]byte, bool) {
	der, err := c.client.Get(ctx, c.prefix+certHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("OCSP cache read failed", zap.String("certHash", certHash), zap.Error(err))
		return nil, false
	}
	return der, true
}

// Set implements StatusCache
func (c *RedisStatusCache) Set(ctx context.Context, certHash string, der []byte) {
	if err := c.client.Set(ctx, c.prefix+certHash, der, c.ttl).Err(); err != nil {
		c.logger.Warn("OCSP cache write failed", zap.String("certHash", certHash), zap.Error(err))
	}
}
