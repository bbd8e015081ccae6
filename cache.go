package gpgpu

import (
	"sync"
	"sync/atomic"
)

// PipelineCache caches PipelineStates by (module identity, entry point,
// specialization).
//
// Pipeline creation is expensive because it involves shader specialization
// and native validation, while the dominant workload is one build followed
// by many dispatches. A cached entry is reused while its version stamp
// equals the module's current version; otherwise it is rebuilt and the
// stale pipeline is destroyed once its in-flight dispatches complete.
//
// Thread Safety:
// PipelineCache is safe for concurrent use. It uses RWMutex with
// double-check locking for efficient reads and safe writes.
//
// The cache is unbounded. Call EvictModule on hot reload.
type PipelineCache struct {
	// mu protects entries.
	mu sync.RWMutex

	entries map[PipelineKey]*PipelineState

	// hits and misses are updated atomically for lock-free reads.
	hits   uint64
	misses uint64
}

// NewPipelineCache creates an empty pipeline cache.
func NewPipelineCache() *PipelineCache {
	return &PipelineCache{entries: make(map[PipelineKey]*PipelineState)}
}

// GetOrCreate returns the cached pipeline for (m, desc) or builds one.
//
// The lookup uses double-check locking:
//  1. Fast path: RLock, return a current entry if present
//  2. Slow path: Lock, double-check, build and replace
//
// A failed build leaves any previous entry in place and does not affect
// other keys.
func (c *PipelineCache) GetOrCreate(b Backend, m *ShaderModule, desc PipelineDescriptor) (*PipelineState, error) {
	if m == nil {
		return nil, ErrNilModule
	}
	key := KeyOf(m, desc)

	// Fast path: read lock
	c.mu.RLock()
	if p, ok := c.entries[key]; ok && p.version == m.Version() {
		c.mu.RUnlock()
		atomic.AddUint64(&c.hits, 1)
		return p, nil
	}
	c.mu.RUnlock()

	// Slow path: write lock with double-check
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.entries[key]
	if ok && old.version == m.Version() {
		atomic.AddUint64(&c.hits, 1)
		return old, nil
	}

	p, err := newPipelineState(b, m, desc)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&c.misses, 1)
	c.entries[key] = p
	if ok {
		slogger().Debug("gpgpu: pipeline rebuilt", "key", key.String(), "from", old.version, "to", p.version)
		old.retire()
	} else {
		slogger().Debug("gpgpu: pipeline created", "key", key.String())
	}
	return p, nil
}

// Lookup returns the cached pipeline for key without building one. Stale
// entries are returned as-is.
func (c *PipelineCache) Lookup(key PipelineKey) (*PipelineState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	return p, ok
}

// EvictModule removes every pipeline built from module id and returns how
// many were removed. Evicted pipelines are destroyed once idle.
func (c *PipelineCache) EvictModule(id ModuleID) int {
	c.mu.Lock()
	var evicted []*PipelineState
	for k, p := range c.entries {
		if k.Module == id {
			evicted = append(evicted, p)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	for _, p := range evicted {
		p.retire()
	}
	return len(evicted)
}

// Stats returns the number of cache hits and misses.
func (c *PipelineCache) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses)
}

// HitRate returns the cache hit rate (0.0 to 1.0).
//
// Returns 0.0 if no requests have been made.
func (c *PipelineCache) HitRate() float64 {
	hits, misses := c.Stats()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// Len returns the number of cached pipelines.
func (c *PipelineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pipelines returns every cached pipeline.
func (c *PipelineCache) Pipelines() []*PipelineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*PipelineState, 0, len(c.entries))
	for _, p := range c.entries {
		out = append(out, p)
	}
	return out
}

// DestroyAll retires every cached pipeline and resets statistics.
func (c *PipelineCache) DestroyAll() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[PipelineKey]*PipelineState)
	atomic.StoreUint64(&c.hits, 0)
	atomic.StoreUint64(&c.misses, 0)
	c.mu.Unlock()

	for _, p := range entries {
		p.retire()
	}
}
