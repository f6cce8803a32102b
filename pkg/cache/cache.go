// Package cache provides a bounded LRU cache that collapses concurrent loads
// of the same key into a single call.
package cache

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultSize is the entry capacity used when a non-positive size is given
const DefaultSize = 100

// Key is a request shape. CacheKey must be deterministic for equal requests.
type Key interface {
	comparable
	CacheKey() string
}

// LoadFunc resolves a value on cache miss
type LoadFunc[V any] func(ctx context.Context) (V, error)

// Store is the bounded backing storage shared by one or more caches. Its
// capacity is global: an entry added by any cache may evict the least
// recently used entry of another.
type Store struct {
	entries *lru.Cache[string, any]
	group   singleflight.Group
}

// NewStore creates a store holding at most size entries
func NewStore(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(fmt.Sprintf("cache store: %v", err))
	}
	return &Store{entries: entries}
}

// Len returns the number of entries across all caches
func (s *Store) Len() int {
	return s.entries.Len()
}

// Purge drops every entry of every cache
func (s *Store) Purge() {
	s.entries.Purge()
}

// Cache retains resolved values indefinitely, bounded only by the entry count
// of its store (least recently used evicted first). Failed loads are never
// stored.
type Cache[K Key, V any] struct {
	name  string
	store *Store
}

// New creates a cache with its own store of at most size entries
func New[K Key, V any](name string, size int) *Cache[K, V] {
	return Attach[K, V](NewStore(size), name)
}

// Attach creates a cache that keeps its entries in s. Names must be unique
// per store.
func Attach[K Key, V any](s *Store, name string) *Cache[K, V] {
	return &Cache[K, V]{name: name, store: s}
}

func (c *Cache[K, V]) storeKey(key K) string {
	return c.prefix() + key.CacheKey()
}

func (c *Cache[K, V]) prefix() string {
	return c.name + "\x00"
}

// GetOrLoad returns the cached value for key, or calls load once for all
// concurrent callers asking for the same key. The load does not observe the
// cancellation of any single caller; a caller whose ctx ends stops waiting
// and gets ctx.Err() while the load goes on for the others.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load LoadFunc[V]) (V, error) {
	var zero V
	k := c.storeKey(key)
	if v, ok := c.store.entries.Get(k); ok {
		log.Tracef("cache %s: hit %q", c.name, key.CacheKey())
		res, _ := v.(V)
		return res, nil
	}

	ch := c.store.group.DoChan(k, func() (interface{}, error) {
		if v, ok := c.store.entries.Get(k); ok {
			return v, nil
		}
		v, err := load(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.store.entries.Add(k, v)
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			log.Tracef("cache %s: joined in-flight load for %q", c.name, key.CacheKey())
		}
		if r.Err != nil {
			return zero, r.Err
		}
		res, _ := r.Val.(V)
		return res, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Peek returns a cached value without loading or touching recency
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	v, ok := c.store.entries.Peek(c.storeKey(key))
	if !ok {
		var zero V
		return zero, false
	}
	res, ok := v.(V)
	return res, ok
}

// Len returns the number of entries this cache holds in its store
func (c *Cache[K, V]) Len() int {
	n := 0
	p := c.prefix()
	for _, k := range c.store.entries.Keys() {
		if strings.HasPrefix(k, p) {
			n++
		}
	}
	return n
}

// Purge drops every entry of this cache
func (c *Cache[K, V]) Purge() {
	p := c.prefix()
	for _, k := range c.store.entries.Keys() {
		if strings.HasPrefix(k, p) {
			c.store.entries.Remove(k)
		}
	}
}

// StringKey is a Key for operations whose request shape is already a string
type StringKey string

// CacheKey implements Key
func (s StringKey) CacheKey() string {
	return string(s)
}
