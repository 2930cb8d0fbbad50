package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces presence keys, e.g. "presence:".
	KeyPrefix string
	// CacheTTL bounds how long Redis keeps a key. It should match the PresenceCache TTL so
	// nothing outlives the validity window.
	CacheTTL time.Duration
}

// RedisPresenceStore is a PresenceStore backed by Redis. Values are stored as JSON.
type RedisPresenceStore[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
}

// NewRedisPresenceStore creates and connects a new RedisPresenceStore.
// It pings the server before returning.
func NewRedisPresenceStore[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisPresenceStore[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for presence store: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for PresenceStore.")

	return &RedisPresenceStore[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisPresenceStore").Logger(),
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.CacheTTL,
	}, nil
}

func (s *RedisPresenceStore[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", s.prefix, key)
}

// Set marshals the value to JSON and stores it with the configured TTL.
func (s *RedisPresenceStore[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := s.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal presence data for key %s: %w", stringKey, err)
	}
	if err := s.redisClient.Set(ctx, stringKey, jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence in redis for key %s: %w", stringKey, err)
	}
	s.logger.Debug().Str("key", stringKey).Msg("Stored presence in Redis.")
	return nil
}

// Fetch retrieves and unmarshals a value.
func (s *RedisPresenceStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := s.key(key)
	cachedData, err := s.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("key '%s': %w", stringKey, ErrNotFound)
		}
		return zero, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal presence data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes a key.
func (s *RedisPresenceStore[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := s.key(key)
	if err := s.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisPresenceStore[K, V]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
