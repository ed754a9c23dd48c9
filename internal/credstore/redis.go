package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials in Redis under a common key prefix.
// Writes and deletes are sent as a MULTI/EXEC pipeline.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server described by url
// (redis://[:password@]host:port/db).
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	return NewRedisStoreFromClient(redis.NewClient(opts), prefix), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// and closes the client on Close.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Read returns the value stored under key. Returns ErrNotFound if missing or empty.
func (r *RedisStore) Read(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Write stores all entries atomically without expiration.
func (r *RedisStore) Write(ctx context.Context, entries ...Entry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.Set(ctx, r.prefix+e.Key, e.Value, 0)
		}
		return nil
	})
	return err
}

// Delete removes all keys atomically.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, r.prefix+k)
		}
		return nil
	})
	return err
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
