package cursor

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/config"
)

// RedisKV is a KV backed by Redis GET and SET.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// DialRedis creates a client from cfg and verifies it with PING.
func DialRedis(ctx context.Context, cfg config.CursorConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "redis: ping %s", cfg.RedisAddr)
	}
	return client, nil
}

// Get returns the value of key; a missing key is not an error.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "redis: get %s", key)
	}
	return v, true, nil
}

// Set stores value under key without expiry.
func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	return eris.Wrapf(r.client.Set(ctx, key, value, 0).Err(), "redis: set %s", key)
}

// Close closes the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
