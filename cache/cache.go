// Package cache provides a sharded, thread-safe LRU cache with tag-based
// eviction.
//
// The compiler uses it to keep compiled artifacts keyed by module
// identity and specialization. Every entry can carry tags; EvictTag drops
// all entries sharing a tag, which is how a hot reload discards every
// specialization of a shader at once.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// ShardCount is the number of shards. Must be a power of 2.
	ShardCount = 16

	// DefaultCapacity is the default maximum number of entries per shard.
	DefaultCapacity = 64

	shardMask = ShardCount - 1
)

// Hasher computes the hash used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes the FNV-1a hash of s.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Uint64Hasher mixes u with a finalizer so that sequential keys spread
// over all shards.
func Uint64Hasher(u uint64) uint64 {
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return u
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Len           int
	Capacity      int
	TotalCapacity int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	HitRate       float64
}

// Cache is a sharded LRU cache.
//
// Each shard has its own mutex and evicts its least recently used entry
// when it exceeds its capacity. Statistics are atomic.
type Cache[K comparable, V any] struct {
	shards   [ShardCount]*shard[K, V]
	hasher   Hasher[K]
	capacity int
	onEvict  func(K, V)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	lru     lruList[K]
	tags    map[string]map[K]struct{}
}

type entry[K comparable, V any] struct {
	value V
	node  *lruNode[K]
	tags  []string
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithEvictCallback registers fn to be called for every entry removed by
// capacity eviction, Delete, EvictTag or Clear. fn runs with the shard
// lock held and must not call back into the cache.
func WithEvictCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New creates a cache holding up to capacity entries per shard. A
// capacity <= 0 selects DefaultCapacity.
func New[K comparable, V any](capacity int, hasher Hasher[K], opts ...Option[K, V]) *Cache[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[K, V]{hasher: hasher, capacity: capacity}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{
			entries: make(map[K]*entry[K, V]),
			tags:    make(map[string]map[K]struct{}),
		}
	}
	return c
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get returns the value stored under key and marks it recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.lru.MoveToFront(e.node)
	v := e.value
	s.mu.Unlock()
	c.hits.Add(1)
	return v, true
}

// Set stores value under key with the given tags, replacing any previous
// entry.
func (c *Cache[K, V]) Set(key K, value V, tags ...string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	c.insertLocked(s, key, value, tags)
}

// GetOrCreate returns the value stored under key or calls create to build
// it. create runs with the shard lock held so that concurrent callers
// never build the same key twice. A create error is returned and nothing
// is cached.
func (c *Cache[K, V]) GetOrCreate(key K, create func() (V, []string, error)) (V, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		s.lru.MoveToFront(e.node)
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)

	v, tags, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.insertLocked(s, key, v, tags)
	return v, nil
}

func (c *Cache[K, V]) insertLocked(s *shard[K, V], key K, value V, tags []string) {
	if old, ok := s.entries[key]; ok {
		s.untag(key, old.tags)
		old.value = value
		old.tags = append([]string(nil), tags...)
		s.tag(key, old.tags)
		s.lru.MoveToFront(old.node)
		return
	}
	for s.lru.Len() >= c.capacity {
		oldest, ok := s.lru.RemoveOldest()
		if !ok {
			break
		}
		c.dropLocked(s, oldest, false)
		c.evictions.Add(1)
	}
	e := &entry[K, V]{value: value, node: s.lru.PushFront(key), tags: append([]string(nil), tags...)}
	s.entries[key] = e
	s.tag(key, e.tags)
}

// dropLocked removes key from s. unlink is false when the LRU node was
// already removed.
func (c *Cache[K, V]) dropLocked(s *shard[K, V], key K, unlink bool) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if unlink {
		s.lru.Remove(e.node)
	}
	s.untag(key, e.tags)
	delete(s.entries, key)
	if c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}

func (s *shard[K, V]) tag(key K, tags []string) {
	for _, t := range tags {
		set := s.tags[t]
		if set == nil {
			set = make(map[K]struct{})
			s.tags[t] = set
		}
		set[key] = struct{}{}
	}
}

func (s *shard[K, V]) untag(key K, tags []string) {
	for _, t := range tags {
		set := s.tags[t]
		delete(set, key)
		if len(set) == 0 {
			delete(s.tags, t)
		}
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache[K, V]) Delete(key K) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	c.dropLocked(s, key, true)
	return true
}

// EvictTag removes every entry carrying tag and returns how many were
// removed.
func (c *Cache[K, V]) EvictTag(tag string) int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		keys := make([]K, 0, len(s.tags[tag]))
		for k := range s.tags[tag] {
			keys = append(keys, k)
		}
		for _, k := range keys {
			c.dropLocked(s, k, true)
		}
		n += len(keys)
		s.mu.Unlock()
	}
	return n
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		if c.onEvict != nil {
			for k, e := range s.entries {
				c.onEvict(k, e.value)
			}
		}
		s.entries = make(map[K]*entry[K, V])
		s.tags = make(map[string]map[K]struct{})
		s.lru.Clear()
		s.mu.Unlock()
	}
}

// Len returns the number of entries across all shards.
func (c *Cache[K, V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Capacity returns the per-shard capacity.
func (c *Cache[K, V]) Capacity() int { return c.capacity }

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Len:           c.Len(),
		Capacity:      c.capacity,
		TotalCapacity: c.capacity * ShardCount,
		Hits:          hits,
		Misses:        misses,
		Evictions:     c.evictions.Load(),
		HitRate:       rate,
	}
}

// ResetStats zeroes the counters.
func (c *Cache[K, V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}
