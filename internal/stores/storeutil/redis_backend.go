package storeutil

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a Backend shared across process instances, so a step or
// embedding computed by one process is visible to another. Redis's
// GET/SETNX-with-TTL pair expresses "atomic get-or-compute with
// time-based cleanup" directly: SETNX only ever wins for the first writer
// of a key, and EX attaches the cleanup deadline at the same time, so no
// separate prune pass is needed — expired keys simply stop existing.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend builds a Backend over an existing client, namespacing
// every key under prefix (e.g. "corestated:stepcache:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) fullKey(key string) string { return b.prefix + key }

func (b *RedisBackend) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	fk := b.fullKey(key)

	existing, err := b.client.Get(ctx, fk).Bytes()
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	won, err := b.client.SetNX(ctx, fk, value, ttl).Result()
	if err != nil {
		return nil, err
	}
	if won {
		return value, nil
	}

	// Lost the race to another writer: prefer whatever they stored, since
	// this store is strictly an accelerator and either value is valid.
	existing, err = b.client.Get(ctx, fk).Bytes()
	if err != nil {
		return value, nil
	}
	return existing, nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return b.client.Del(ctx, keys...).Err()
}
