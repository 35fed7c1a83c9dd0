package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paydash/authcore/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis holds rate limit buckets and pending step-up challenges
type Redis struct {
	*redis.Client
}

// NewRedis connects to Redis and checks the connection
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     50,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Redis{Client: client}, nil
}

// HealthCheck pings Redis
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}

// SetJSON stores v encoded as JSON under key for ttl
func (r *Redis) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.Set(ctx, key, data, ttl).Err()
}

// GetJSON decodes the value under key into v. It reports false when the
// key does not exist.
func (r *Redis) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// ReplaceJSON overwrites an existing key and keeps its remaining TTL. It
// reports false when the key is gone.
func (r *Redis) ReplaceJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.SetXX(ctx, key, data, redis.KeepTTL).Result()
}

// DeleteKey removes key and reports whether it existed. Of several
// concurrent callers only one sees true.
func (r *Redis) DeleteKey(ctx context.Context, key string) (bool, error) {
	n, err := r.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
