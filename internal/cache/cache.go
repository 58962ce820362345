package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/voyagecrm/affiliate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const statementTTL = 12 * time.Hour

// StatementCache is a redis read-through cache for rendered settlement
// statements. A nil client makes every operation a no-op, so the service
// runs fine without redis configured.
type StatementCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStatementCache(cfg config.Config, log *zap.Logger) *StatementCache {
	c := &StatementCache{log: log.Named("cache.statement")}
	if cfg.RedisAddr == "" {
		return c
	}
	c.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return c
}

// Get returns the cached statement bytes, or ok=false on miss or any redis
// failure. Cache errors degrade to a rebuild, never to a request failure.
func (c *StatementCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("statement cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return payload, true
}

func (c *StatementCache) Set(ctx context.Context, key string, payload []byte) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, payload, statementTTL).Err(); err != nil {
		c.log.Warn("statement cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *StatementCache) Invalidate(ctx context.Context, keys ...string) {
	if c.rdb == nil || len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("statement cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

var Module = fx.Module("cache",
	fx.Provide(NewStatementCache),
)
