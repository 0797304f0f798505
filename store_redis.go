package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each slot in a single Redis string key, prefixed with
// keyPrefix.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(addr string, db int, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, keyPrefix: "audit:slot:"}, nil
}

func (s *RedisStore) key(slot string) string { return s.keyPrefix + slot }

func (s *RedisStore) Load(ctx context.Context, slot string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot %s: %w", slot, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, slot string, data []byte) error {
	if err := s.client.Set(ctx, s.key(slot), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set slot %s: %w", slot, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
