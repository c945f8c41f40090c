// Package memory provides an in-memory kvstore.Store backed by
// github.com/hashicorp/golang-lru/v2 with TTL support.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berrydev/berry-mcp-go/kvstore"
	lru "github.com/hashicorp/golang-lru/v2"
)

const sweepInterval = 5 * time.Minute

// Store implements kvstore.Store in process memory.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *kvstore.Item]
	done  chan struct{}
}

var _ kvstore.Store = (*Store)(nil)

// New creates an in-memory store bounded to maxItems entries.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *kvstore.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Store{cache: cache, done: make(chan struct{})}
	go s.sweepExpired()
	return s, nil
}

func (s *Store) Get(_ context.Context, key string, opts ...kvstore.Option) (*kvstore.Item, error) {
	o := kvstore.Apply(opts)
	k := buildKey(o.Namespace, key)

	s.mu.RLock()
	item, ok := s.cache.Get(k)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(k)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(_ context.Context, key string, data []byte, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)

	now := time.Now()
	item := &kvstore.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(buildKey(o.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)
	s.mu.Lock()
	s.cache.Remove(buildKey(o.Namespace, key))
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	close(s.done)
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(namespace, key string) string {
	if namespace == "" {
		return "global:" + key
	}
	return "ns:" + namespace + ":" + key
}

// sweepExpired periodically evicts items whose TTL has elapsed so the LRU is
// not held open by dead entries.
func (s *Store) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok && item.IsExpired() {
				s.cache.Remove(key)
			}
		}
		s.mu.Unlock()
	}
}
