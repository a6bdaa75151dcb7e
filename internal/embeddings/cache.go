package embeddings

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CacheConfig holds configuration for the embedding cache.
type CacheConfig struct {
	// MaxEntries bounds the cache; the least recently used entry is
	// evicted at capacity. Defaults to 10000.
	MaxEntries int

	// TTL expires entries lazily on access. Zero disables expiry.
	TTL time.Duration
}

// ApplyDefaults fills in default values for unset fields.
func (c *CacheConfig) ApplyDefaults() {
	if c.MaxEntries == 0 {
		c.MaxEntries = 10000
	}
}

type cacheEntry struct {
	key      string
	result   TextEmbedding
	storedAt time.Time
}

// Cache wraps a Provider with a content-addressed embedding cache. Keys
// are sha256(provider|model|text) so the same text under different
// models never collides. Eviction is strict LRU; TTL expiry happens
// lazily on access.
type Cache struct {
	provider Provider
	config   CacheConfig
	logger   *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	hits   int64
	misses int64
}

// NewCache wraps the provider with an embedding cache.
func NewCache(provider Provider, config CacheConfig, logger *zap.Logger) *Cache {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		provider: provider,
		config:   config,
		logger:   logger,
		metrics:  NewMetrics(logger),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Model returns the wrapped provider's model identifier.
func (c *Cache) Model() string { return c.provider.Model() }

// Name returns the wrapped provider's identifier.
func (c *Cache) Name() string { return c.provider.Name() }

func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(c.provider.Name() + "|" + c.provider.Model() + "|" + text))
	return hex.EncodeToString(sum[:])
}

// lookup returns a copy of the cached embedding, honoring TTL. Caller
// must hold c.mu.
func (c *Cache) lookup(key string, now time.Time) (TextEmbedding, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return TextEmbedding{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.config.TTL > 0 && now.Sub(entry.storedAt) > c.config.TTL {
		c.order.Remove(elem)
		delete(c.entries, key)
		return TextEmbedding{}, false
	}
	c.order.MoveToFront(elem)
	return entry.result, true
}

// store inserts an entry, evicting the LRU tail at capacity. Caller must
// hold c.mu.
func (c *Cache) store(key string, result TextEmbedding, now time.Time) {
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.storedAt = now
		c.order.MoveToFront(elem)
		return
	}
	for len(c.entries) >= c.config.MaxEntries {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, result: result, storedAt: now})
}

// EmbedText returns the cached embedding for text, consulting the
// provider on a miss.
func (c *Cache) EmbedText(ctx context.Context, text string) (*TextEmbedding, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	key := c.key(text)
	now := time.Now()

	c.mu.Lock()
	if cached, ok := c.lookup(key, now); ok {
		c.hits++
		c.mu.Unlock()
		c.metrics.RecordCacheAccess(ctx, c.provider.Model(), true)
		return &cached, nil
	}
	c.misses++
	c.mu.Unlock()
	c.metrics.RecordCacheAccess(ctx, c.provider.Model(), false)

	result, err := c.provider.EmbedText(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.store(key, *result, now)
	c.mu.Unlock()
	return result, nil
}

// EmbedBatch embeds texts, serving cached entries locally and calling
// the provider once for the uncached remainder. Results preserve input
// order. A fully-cached batch costs nothing.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	now := time.Now()
	embeddings := make([][]float32, len(texts))
	cachedTokens := 0

	var uncached []string
	var uncachedIdx []int

	c.mu.Lock()
	for i, text := range texts {
		if cached, ok := c.lookup(c.key(text), now); ok {
			c.hits++
			embeddings[i] = cached.Embedding
			cachedTokens += cached.TokenCount
			continue
		}
		c.misses++
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	c.mu.Unlock()

	if len(uncached) == 0 {
		c.metrics.RecordCacheAccess(ctx, c.provider.Model(), true)
		return &BatchResult{
			Embeddings:  embeddings,
			Model:       c.provider.Model(),
			Provider:    c.provider.Name(),
			TotalTokens: cachedTokens,
			Cost:        0,
		}, nil
	}
	c.metrics.RecordCacheAccess(ctx, c.provider.Model(), false)

	result, err := c.provider.EmbedBatch(ctx, uncached)
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(uncached) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(result.Embeddings), len(uncached))
	}

	c.mu.Lock()
	for j, i := range uncachedIdx {
		embeddings[i] = result.Embeddings[j]
		c.store(c.key(uncached[j]), TextEmbedding{
			Embedding:  result.Embeddings[j],
			TokenCount: estimateTokens(uncached[j]),
		}, now)
	}
	c.mu.Unlock()

	return &BatchResult{
		Embeddings:  embeddings,
		Model:       result.Model,
		Provider:    result.Provider,
		TotalTokens: cachedTokens + result.TotalTokens,
		Cost:        result.Cost,
	}, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// HitRate returns the fraction of lookups served from cache, or 0 when
// no lookups have happened.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Clear drops every cached entry and resets the hit counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
}

var _ Provider = (*Cache)(nil)
