// Package kvstore defines the abstract key-value contract shared by the
// OAuth2 token store and the PKCE state table. Implementations must be safe
// for concurrent use; the in-memory variant suits a single process, the Redis
// variant supports horizontal scaling.
package kvstore

import (
	"context"
	"time"
)

// Store is the key-value contract. Get returns a nil Item for missing or
// expired keys; errors are reserved for storage system failures.
type Store interface {
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)
	Set(ctx context.Context, key string, data []byte, opts ...Option) error
	Delete(ctx context.Context, key string, opts ...Option) error
	Close() error
}

// Item is a stored value with metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil means no expiration
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a store operation.
type Option func(*Options)

// Options carries per-operation configuration.
type Options struct {
	Namespace string
	TTL       *time.Duration
}

// WithNamespace scopes the operation to a named keyspace (for example a user
// identity). The empty namespace is the global keyspace.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithTTL sets a time-to-live for the stored value.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// Apply folds opts into a concrete Options value.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
