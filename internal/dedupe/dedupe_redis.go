package dedupe

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares seen keys between processes.
type RedisGuard struct {
	Client *redis.Client
	TTL    time.Duration
}

var _ Guard = (*RedisGuard)(nil)

func NewRedisGuard(redisURL string, ttl time.Duration) (*RedisGuard, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	return &RedisGuard{
		Client: rdb,
		TTL:    ttl,
	}, nil
}

func redisDedupeKey(key string) string {
	return "dedupe/" + key
}

func (g *RedisGuard) First(ctx context.Context, key string) (bool, error) {
	return g.Client.SetNX(ctx, redisDedupeKey(key), 1, g.TTL).Result()
}

func (g *RedisGuard) Close() error {
	return g.Client.Close()
}
