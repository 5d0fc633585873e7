package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// keyspace prefix for the exact tier.
const redisNamespace = "cache:exact:"

// RedisKV is a KVStore backed by Redis. Eviction and TTL are delegated
// to the server; the exact tier's sweep only runs against in-memory
// backends.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Redis cache backend connected")
	return &RedisKV{rdb: rdb}, nil
}

func (s *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, redisNamespace+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (s *RedisKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, redisNamespace+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisKV) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisNamespace+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisKV) Iterate(ctx context.Context, fn func(key string, value []byte) bool) error {
	iter := s.rdb.Scan(ctx, 0, redisNamespace+"*", 256).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		val, err := s.rdb.Get(ctx, full).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get during scan: %w", err)
		}
		if !fn(full[len(redisNamespace):], val) {
			break
		}
	}
	return iter.Err()
}

// Close releases the client.
func (s *RedisKV) Close() error { return s.rdb.Close() }
