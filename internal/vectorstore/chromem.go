package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("ragstore.vectorstore.chromem")

// payloadMetadataKey holds the JSON-encoded payload inside a chromem
// document. chromem metadata is string-typed; round-tripping the payload
// through JSON preserves value types for filter evaluation.
const payloadMetadataKey = "payload"

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty runs in-memory.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemIndex implements Index using chromem-go, an embeddable vector
// database with no external service dependency. Collections map 1:1 to
// engine databases.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewChromemIndex creates a ChromemIndex, persistent when config.Path is
// set and purely in-memory otherwise.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandHomePath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(expanded, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", expanded, err)
		}
		db, err = chromem.NewPersistentDB(expanded, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = expanded
	}

	logger.Info("chromem index initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
	)

	return &ChromemIndex{db: db, config: config, logger: logger}, nil
}

func expandHomePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedding rejects any attempt to embed through chromem; the engine
// always supplies precomputed vectors.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem index only accepts precomputed embeddings")
}

func (c *ChromemIndex) collection(databaseID string, create bool) (*chromem.Collection, error) {
	if create {
		col, err := c.db.GetOrCreateCollection(databaseID, nil, noEmbedding)
		if err != nil {
			return nil, fmt.Errorf("getting/creating collection %s: %w", databaseID, err)
		}
		return col, nil
	}
	return c.db.GetCollection(databaseID, noEmbedding), nil
}

// Upsert inserts or replaces points by id.
func (c *ChromemIndex) Upsert(ctx context.Context, databaseID string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()

	span.SetAttributes(
		attribute.String("database", databaseID),
		attribute.Int("point_count", len(points)),
	)

	if c.isClosed() {
		return ErrIndexClosed
	}
	if len(points) == 0 {
		return nil
	}

	col, err := c.collection(databaseID, true)
	if err != nil {
		span.RecordError(err)
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		meta, err := encodePayload(p.Payload)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("encoding payload for %q: %w", p.ID, err)
		}
		docs[i] = chromem.Document{
			ID:        p.ID,
			Metadata:  meta,
			Embedding: p.Vector,
		}
	}

	// Concurrency of 1: embeddings are precomputed, there is no work to
	// parallelize.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	c.logger.Debug("upserted points into chromem",
		zap.String("database", databaseID),
		zap.Int("count", len(points)),
	)
	return nil
}

// Search queries by embedding, post-filtering payload and threshold.
func (c *ChromemIndex) Search(ctx context.Context, databaseID string, query []float32, topK int, opts *SearchOptions) ([]ScoredPoint, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("database", databaseID),
		attribute.Int("top_k", topK),
	)

	if c.isClosed() {
		return nil, ErrIndexClosed
	}
	if topK <= 0 {
		return []ScoredPoint{}, nil
	}

	col, err := c.collection(databaseID, false)
	if err != nil || col == nil {
		return []ScoredPoint{}, nil
	}

	count := col.Count()
	if count == 0 {
		return []ScoredPoint{}, nil
	}

	// chromem has no payload-filter pushdown for our typed filters, so
	// over-fetch and filter here, widening the fetch until topK matches
	// are in hand or the whole collection has been scanned.
	fetch := topK
	if opts != nil && opts.Filter != nil {
		fetch = topK * 4
	}
	if fetch > count {
		fetch = count
	}

	var results []ScoredPoint
	for {
		raw, err := col.QueryEmbedding(ctx, query, fetch, nil, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("querying collection %s: %w", databaseID, err)
		}

		results = make([]ScoredPoint, 0, topK)
		for _, r := range raw {
			payload, err := decodePayload(r.Metadata)
			if err != nil {
				return nil, fmt.Errorf("decoding payload for %q: %w", r.ID, err)
			}
			if opts != nil {
				if opts.Filter != nil && !opts.Filter.Matches(payload) {
					continue
				}
				if opts.Threshold > 0 && r.Similarity < opts.Threshold {
					continue
				}
			}
			results = append(results, ScoredPoint{ID: r.ID, Score: r.Similarity, Payload: payload})
			if len(results) == topK {
				break
			}
		}

		// Only a payload filter can hide deeper matches; a threshold
		// cut never recovers by fetching lower-scored points.
		if len(results) == topK || fetch == count || opts == nil || opts.Filter == nil {
			break
		}
		fetch *= 4
		if fetch > count {
			fetch = count
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// Delete removes points by id. Missing ids are ignored.
func (c *ChromemIndex) Delete(ctx context.Context, databaseID string, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()

	span.SetAttributes(
		attribute.String("database", databaseID),
		attribute.Int("id_count", len(ids)),
	)

	if c.isClosed() {
		return ErrIndexClosed
	}
	if len(ids) == 0 {
		return nil
	}

	col, err := c.collection(databaseID, false)
	if err != nil || col == nil {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting from collection %s: %w", databaseID, err)
	}
	return nil
}

// Count returns the number of points in the database.
func (c *ChromemIndex) Count(ctx context.Context, databaseID string) (int, error) {
	if c.isClosed() {
		return 0, ErrIndexClosed
	}
	col, err := c.collection(databaseID, false)
	if err != nil || col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Drop removes the database and all its points.
func (c *ChromemIndex) Drop(ctx context.Context, databaseID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Drop")
	defer span.End()

	span.SetAttributes(attribute.String("database", databaseID))

	if c.isClosed() {
		return ErrIndexClosed
	}
	if err := c.db.DeleteCollection(databaseID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("dropping collection %s: %w", databaseID, err)
	}
	c.logger.Info("dropped chromem collection", zap.String("database", databaseID))
	return nil
}

// Close marks the index closed. chromem persists incrementally, so there
// is nothing to flush.
func (c *ChromemIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *ChromemIndex) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func encodePayload(payload map[string]any) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return map[string]string{payloadMetadataKey: string(raw)}, nil
}

func decodePayload(metadata map[string]string) (map[string]any, error) {
	raw, ok := metadata[payloadMetadataKey]
	if !ok || raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var _ Index = (*ChromemIndex)(nil)
