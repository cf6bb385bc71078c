package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey     = "crawlcore:pending"
	defaultRedisTimeout = 5 * time.Second
)

// RedisConfig configures a Redis-backed pending store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// RedisStore keeps each scope's pending list in one hash field, so crawl
// state survives process restarts without local disk.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("statestore: redis addr is required")
	}
	if cfg.Key == "" {
		cfg.Key = defaultRedisKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, key: cfg.Key, timeout: cfg.Timeout}, nil
}

func (s *RedisStore) SavePending(ctx context.Context, scopeID string, pending []PendingRequest) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("statestore: marshal pending: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key, scopeID, data).Err(); err != nil {
		return fmt.Errorf("statestore: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadPending(ctx context.Context, scopeID string) ([]PendingRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.HGet(ctx, s.key, scopeID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: redis load: %w", err)
	}
	var pending []PendingRequest
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("statestore: decode pending: %w", err)
	}
	return pending, nil
}

func (s *RedisStore) Clear(ctx context.Context, scopeID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.HDel(ctx, s.key, scopeID).Err(); err != nil {
		return fmt.Errorf("statestore: redis clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
