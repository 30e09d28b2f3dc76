package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commander is the subset of the redis client used by Redis.
type Commander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisConfig configures the shared seen-set.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	Password  string        `mapstructure:"password"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Redis is a SeenSet shared by every consumer connected to the same server.
type Redis struct {
	rdb    Commander
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(rdb Commander, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "notam:seen:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

// DialRedis connects to cfg.URL and checks the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, cfg.KeyPrefix, cfg.TTL), client, nil
}

// Claim implements SeenSet with SET NX.
func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Forget implements SeenSet.
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
