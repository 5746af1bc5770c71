package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Key is the hash holding clientID -> sessionID.
	Key string
}

// RedisStore keeps sessions in one Redis hash, so several bridge replicas
// share a client's session.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Key == "" {
		cfg.Key = "clawd:http_sessions"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: rdb, key: cfg.Key}, nil
}

func (s *RedisStore) Get(ctx context.Context, clientID string) (string, bool, error) {
	id, err := s.client.HGet(ctx, s.key, clientID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget: %w", err)
	}
	return id, true, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, clientID, sessionID string) (string, error) {
	set, err := s.client.HSetNX(ctx, s.key, clientID, sessionID).Result()
	if err != nil {
		return "", fmt.Errorf("redis hsetnx: %w", err)
	}
	if set {
		return sessionID, nil
	}
	id, _, err := s.Get(ctx, clientID)
	return id, err
}

func (s *RedisStore) Put(ctx context.Context, clientID, sessionID string) error {
	if err := s.client.HSet(ctx, s.key, clientID, sessionID).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
