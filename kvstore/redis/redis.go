// Package redis provides a Redis-backed kvstore.Store using
// github.com/redis/go-redis/v9. TTLs map onto native Redis expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/berrydev/berry-mcp-go/kvstore"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "berrymcp:kv:"

// Config configures the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix namespaces all keys written by this store.
	// Default: "berrymcp:kv:".
	KeyPrefix string
}

// Store implements kvstore.Store on Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ kvstore.Store = (*Store)(nil)

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...kvstore.Option) (*kvstore.Item, error) {
	o := kvstore.Apply(opts)
	k := s.buildKey(o.Namespace, key)

	val, err := s.client.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", k, err)
	}

	var stored storedItem
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	item := &kvstore.Item{Data: stored.Data, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}
	if item.IsExpired() {
		s.client.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)
	k := s.buildKey(o.Namespace, key)

	now := time.Now()
	stored := storedItem{Data: data, CreatedAt: now}

	var redisTTL time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		stored.ExpiresAt = &exp
		redisTTL = *o.TTL
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, k, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", k, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)
	k := s.buildKey(o.Namespace, key)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", k, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(namespace, key string) string {
	if namespace == "" {
		return s.keyPrefix + "global:" + key
	}
	return s.keyPrefix + "ns:" + namespace + ":" + key
}
