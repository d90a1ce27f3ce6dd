package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
	ns     string
}

func newRedisStore(ctx context.Context, url, ns string) (*redisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ns == "" {
		ns = "learner"
	}
	return &redisStore{client: client, ns: ns}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, namespaced(s.ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

// Set stores without expiry: progress must outlive any cache TTL.
func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, namespaced(s.ns, key), value, 0).Err()
}

func (s *redisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, namespaced(s.ns, key)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
