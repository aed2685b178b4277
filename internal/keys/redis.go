package keys

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps all chat keys of one user in a single Redis hash.
type RedisStore struct {
	client *redis.Client
	hash   string
}

func NewRedisStore(client *redis.Client, hash string) *RedisStore {
	if hash == "" {
		hash = "shainy:chat-keys"
	}
	return &RedisStore{client: client, hash: hash}
}

func (s *RedisStore) Get(ctx context.Context, chatID string) (string, error) {
	key, err := s.client.HGet(ctx, s.hash, chatID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return key, err
}

func (s *RedisStore) Set(ctx context.Context, chatID, key string) error {
	return s.client.HSet(ctx, s.hash, chatID, key).Err()
}

func (s *RedisStore) Delete(ctx context.Context, chatID string) error {
	return s.client.HDel(ctx, s.hash, chatID).Err()
}

func (s *RedisStore) DeleteAll(ctx context.Context) error {
	return s.client.Del(ctx, s.hash).Err()
}
