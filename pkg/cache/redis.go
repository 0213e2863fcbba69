package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/0097eo/cafe-zuko/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Store is a JSON key/value cache
type Store interface {
	// Get decodes the value at key into dst and reports whether it was found
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// RedisStore caches JSON documents in Redis with a fixed TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, ttl: cfg.ProductTTL}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Nop never stores anything; used when caching is disabled
type Nop struct{}

func (Nop) Get(context.Context, string, interface{}) (bool, error) { return false, nil }
func (Nop) Set(context.Context, string, interface{}) error         { return nil }
func (Nop) Delete(context.Context, ...string) error                { return nil }
