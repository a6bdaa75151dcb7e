package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine similarity Index. It backs tests
// and small databases where an approximate index buys nothing.
type MemoryIndex struct {
	mu     sync.RWMutex
	dbs    map[string]map[string]Point
	closed bool
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{dbs: make(map[string]map[string]Point)}
}

// Upsert inserts or replaces points by id.
func (m *MemoryIndex) Upsert(ctx context.Context, databaseID string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIndexClosed
	}
	db, ok := m.dbs[databaseID]
	if !ok {
		db = make(map[string]Point, len(points))
		m.dbs[databaseID] = db
	}
	for _, p := range points {
		db[p.ID] = p
	}
	return nil
}

// Search scores every point with cosine similarity and returns the topK.
func (m *MemoryIndex) Search(ctx context.Context, databaseID string, query []float32, topK int, opts *SearchOptions) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrIndexClosed
	}
	if topK <= 0 {
		return []ScoredPoint{}, nil
	}

	db := m.dbs[databaseID]
	results := make([]ScoredPoint, 0, len(db))
	for _, p := range db {
		if opts != nil && opts.Filter != nil && !opts.Filter.Matches(p.Payload) {
			continue
		}
		score := CosineSimilarity(query, p.Vector)
		if opts != nil && opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		results = append(results, ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes points by id.
func (m *MemoryIndex) Delete(ctx context.Context, databaseID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIndexClosed
	}
	db := m.dbs[databaseID]
	for _, id := range ids {
		delete(db, id)
	}
	return nil
}

// Count returns the number of points in the database.
func (m *MemoryIndex) Count(ctx context.Context, databaseID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrIndexClosed
	}
	return len(m.dbs[databaseID]), nil
}

// Drop removes the database and all its points.
func (m *MemoryIndex) Drop(ctx context.Context, databaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrIndexClosed
	}
	delete(m.dbs, databaseID)
	return nil
}

// Close marks the index closed.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero or the lengths differ.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Index = (*MemoryIndex)(nil)
