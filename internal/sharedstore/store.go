// Package sharedstore is the one persistence seam for the gateway: a
// thin wrapper over a Redis-compatible cluster store exposing exactly the
// primitives the rest of the codebase needs (get/set, multi-get,
// pipelined counters, cursor scan, Lua eval, pub/sub) behind a small
// interface, so no other package imports go-redis directly.
package sharedstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rakunlabs/at/internal/config"
)

// Store is the shared cluster key-value store: linearizable, with atomic
// counters, TTLs, SCAN cursors, multi-get, pipelining, and pub/sub.
// Downstream services treat this the same way the gateway does.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) ([]any, error)
	Incr(ctx context.Context, key string, expire time.Duration) (int64, error)
	Scan(ctx context.Context, pattern string, batch int64, fn func(key string) error) error
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)
	Info(ctx context.Context, section string) (string, error)
	Close() error
}

type redisStore struct {
	client *redis.Client
}

// New constructs a Store backed by a single Redis (or Redis-protocol
// compatible) node. The pool is sized per config.Store.PoolSize: the
// worker-pool depth plus headroom for async pipelined metrics writes.
func New(cfg config.Store) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &redisStore{client: client}, nil
}

// NewFromClient wraps an already-constructed *redis.Client. Used by tests
// to point the store at a miniredis instance.
func NewFromClient(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstore get %q: %w", key, err)
	}

	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("sharedstore set %q: %w", key, err)
	}

	return nil
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sharedstore setnx %q: %w", key, err)
	}

	return ok, nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("sharedstore delete: %w", err)
	}

	return nil
}

func (s *redisStore) MGet(ctx context.Context, keys ...string) ([]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	v, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("sharedstore mget: %w", err)
	}

	return v, nil
}

// Incr pipelines INCR and (if expire > 0) EXPIRE in a single round trip,
// matching the MetricsCollector requirement of one batched call per
// counter family.
func (s *redisStore) Incr(ctx context.Context, key string, expire time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	if expire > 0 {
		pipe.Expire(ctx, key, expire)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sharedstore incr %q: %w", key, err)
	}

	return incr.Val(), nil
}

// Scan walks the keyspace with a cursor (never KEYS), invoking fn for
// every matched key until exhaustion or fn returns an error.
func (s *redisStore) Scan(ctx context.Context, pattern string, batch int64, fn func(key string) error) error {
	var cursor uint64

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return fmt.Errorf("sharedstore scan %q: %w", pattern, err)
		}

		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *redisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	v, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("sharedstore eval: %w", err)
	}

	return v, nil
}

func (s *redisStore) Publish(ctx context.Context, channel string, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("sharedstore publish %q: %w", channel, err)
	}

	return nil
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	sub := s.client.Subscribe(ctx, channel)
	ch := make(chan string)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			select {
			case ch <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, sub.Close
}

func (s *redisStore) Info(ctx context.Context, section string) (string, error) {
	v, err := s.client.Info(ctx, section).Result()
	if err != nil {
		return "", fmt.Errorf("sharedstore info: %w", err)
	}

	return v, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
