package vectorstore

import "context"

// Index is the pluggable similarity search primitive. The engine calls
// it with precomputed embeddings; implementations never embed text
// themselves.
//
// Databases are independent namespaces. Concurrent callers across
// different databases share no mutable state; within one database the
// engine serializes mutations per its single-writer discipline.
type Index interface {
	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, databaseID string, points []Point) error

	// Search returns up to topK points ordered by similarity score
	// (highest first), applying the optional threshold and payload
	// filter. An unknown database yields empty results, not an error.
	Search(ctx context.Context, databaseID string, query []float32, topK int, opts *SearchOptions) ([]ScoredPoint, error)

	// Delete removes points by id. Missing ids are ignored.
	Delete(ctx context.Context, databaseID string, ids []string) error

	// Count returns the number of points in the database.
	Count(ctx context.Context, databaseID string) (int, error)

	// Drop removes the database and all its points.
	Drop(ctx context.Context, databaseID string) error

	// Close releases index resources.
	Close() error
}
