// Package cache provides a thread-safe in-memory cache with TTL,
// namespaces, and pluggable eviction (LRU or priority-based).
package cache

import (
	"strings"
	"sync"
	"time"
)

// EvictionPolicy selects how entries are evicted at capacity.
type EvictionPolicy string

const (
	// EvictLRU evicts the least recently used entry.
	EvictLRU EvictionPolicy = "lru"

	// EvictPriority evicts the lowest-priority entry, breaking ties by
	// recency.
	EvictPriority EvictionPolicy = "priority"
)

// Config holds cache configuration.
type Config struct {
	// MaxEntries bounds the cache. Defaults to 1000.
	MaxEntries int

	// DefaultTTL applies when Set is called without an explicit TTL.
	// Zero means entries never expire.
	DefaultTTL time.Duration

	// Policy selects the eviction strategy. Defaults to EvictLRU.
	Policy EvictionPolicy
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 1000
	}
	if c.Policy == "" {
		c.Policy = EvictLRU
	}
}

type entry struct {
	value     any
	priority  int
	expiresAt time.Time // zero means no expiry
	accessSeq uint64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats reports cache activity since the last reset.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Size        int
}

// HitRate returns the fraction of lookups served from cache, or 0 when
// no lookups have happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Option customizes a single cache operation.
type Option func(*opConfig)

type opConfig struct {
	ttl       time.Duration
	ttlSet    bool
	priority  int
	namespace string
}

// WithTTL overrides the default TTL for this entry.
func WithTTL(ttl time.Duration) Option {
	return func(o *opConfig) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

// WithPriority sets the entry's eviction priority. Higher values survive
// longer under the priority policy.
func WithPriority(priority int) Option {
	return func(o *opConfig) { o.priority = priority }
}

// WithNamespace scopes the key under a namespace. Namespaced keys are
// stored as "namespace:key" and can be invalidated as a group.
func WithNamespace(ns string) Option {
	return func(o *opConfig) { o.namespace = ns }
}

func (o opConfig) fullKey(key string) string {
	if o.namespace == "" {
		return key
	}
	return o.namespace + ":" + key
}

// Cache is a bounded in-memory cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry
	seq     uint64
	stats   Stats
}

// New creates a cache with the given configuration.
func New(config Config) *Cache {
	config.ApplyDefaults()
	return &Cache{
		config:  config,
		entries: make(map[string]*entry),
	}
}

// Set stores a value. An existing entry under the same key is replaced.
// At capacity the eviction policy picks a victim first.
func (c *Cache) Set(key string, value any, opts ...Option) {
	op := opConfig{ttl: c.config.DefaultTTL}
	for _, o := range opts {
		o(&op)
	}
	full := op.fullKey(key)

	var expiresAt time.Time
	if op.ttl > 0 {
		expiresAt = time.Now().Add(op.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[full]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evict()
	}

	c.seq++
	c.entries[full] = &entry{
		value:     value,
		priority:  op.priority,
		expiresAt: expiresAt,
		accessSeq: c.seq,
	}
}

// Get retrieves a value. Expired entries are removed and count as
// misses.
func (c *Cache) Get(key string, opts ...Option) (any, bool) {
	var op opConfig
	for _, o := range opts {
		o(&op)
	}
	full := op.fullKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[full]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(c.entries, full)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}

	c.seq++
	e.accessSeq = c.seq
	c.stats.Hits++
	return e.value, true
}

// Delete removes an entry. No-op when the key is absent.
func (c *Cache) Delete(key string, opts ...Option) {
	var op opConfig
	for _, o := range opts {
		o(&op)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, op.fullKey(key))
}

// Clear removes every entry. Stats are preserved.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// InvalidateNamespace removes every entry stored under the namespace and
// returns how many were removed.
func (c *Cache) InvalidateNamespace(ns string) int {
	prefix := ns + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// NamespaceLen returns the number of entries stored under the
// namespace, counting expired entries that have not been swept yet.
func (c *Cache) NamespaceLen(ns string) int {
	prefix := ns + ":"

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

// WarmEntry is a single entry for Warm.
type WarmEntry struct {
	Key   string
	Value any
	Opts  []Option
}

// Warm pre-populates the cache without touching hit/miss stats.
func (c *Cache) Warm(entries []WarmEntry) {
	for _, we := range entries {
		c.Set(we.Key, we.Value, we.Opts...)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// ResetStats zeroes the counters without touching entries.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
}

// evict removes one victim per the configured policy. Expired entries
// are preferred regardless of policy. Caller must hold c.mu.
func (c *Cache) evict() {
	now := time.Now()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			c.stats.Expirations++
			return
		}
	}

	var victim string
	var victimEntry *entry
	for key, e := range c.entries {
		if victimEntry == nil || c.worseThan(e, victimEntry) {
			victim = key
			victimEntry = e
		}
	}
	if victimEntry != nil {
		delete(c.entries, victim)
		c.stats.Evictions++
	}
}

// worseThan reports whether a is a better eviction victim than b.
func (c *Cache) worseThan(a, b *entry) bool {
	if c.config.Policy == EvictPriority {
		if a.priority != b.priority {
			return a.priority < b.priority
		}
	}
	return a.accessSeq < b.accessSeq
}
