// Package engine ties the vector index, metadata, caching, consistency,
// recovery, and access-control layers into the session API callers embed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/cache"
	"github.com/fyrsmithlabs/ragstore/internal/consistency"
	"github.com/fyrsmithlabs/ragstore/internal/contextbuilder"
	"github.com/fyrsmithlabs/ragstore/internal/embeddings"
	"github.com/fyrsmithlabs/ragstore/internal/kv"
	"github.com/fyrsmithlabs/ragstore/internal/permissions"
	"github.com/fyrsmithlabs/ragstore/internal/recovery"
	"github.com/fyrsmithlabs/ragstore/internal/sharing"
	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/ragstore/internal/engine"

var (
	// ErrSessionNotFound indicates an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates an operation against a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrRecordNotFound indicates an unknown record id in a session.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNoQuery indicates a search with neither embedding nor text.
	ErrNoQuery = errors.New("search needs an embedding or query text")
)

// Deps are the injectable backends for a Manager.
type Deps struct {
	// Index stores and searches vectors. Required.
	Index vectorstore.Index

	// Store persists metadata, permissions, and checkpoints. Required.
	Store kv.Store

	// Embedder turns query text into vectors. Optional; without it only
	// embedding queries are accepted.
	Embedder embeddings.Provider

	// Logger defaults to a nop logger.
	Logger *zap.Logger

	// SearchCache fronts index searches. Optional; created with
	// defaults when nil.
	SearchCache *cache.Cache

	// Recovery manages checkpoints. Optional; created with write-through
	// to Store when nil.
	Recovery *recovery.Manager
}

// Manager is the session engine.
type Manager struct {
	index    vectorstore.Index
	store    kv.Store
	embedder embeddings.Provider
	logger   *zap.Logger
	tracer   trace.Tracer

	metadata *MetadataService
	builder  *contextbuilder.Builder
	perms    *permissions.Manager
	sharing  *sharing.Manager
	recovery *recovery.Manager
	checker  *consistency.Checker
	executor *consistency.Executor
	searches *cache.Cache

	mu       sync.RWMutex
	sessions map[string]*Session
	byName   map[string]string // database name -> session id
}

// NewManager wires the engine together.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metadata, err := NewMetadataService(deps.Store, logger)
	if err != nil {
		return nil, err
	}
	permSvc, err := permissions.NewService(deps.Store, logger)
	if err != nil {
		return nil, err
	}
	permMgr := permissions.NewManager(permSvc, permissions.NewAuditLogger(logger))
	shareMgr, err := sharing.NewManager(permSvc, logger)
	if err != nil {
		return nil, err
	}

	rec := deps.Recovery
	if rec == nil {
		rec = recovery.NewManager(recovery.Config{Store: deps.Store}, logger)
	}
	searches := deps.SearchCache
	if searches == nil {
		searches = cache.New(cache.Config{DefaultTTL: 5 * time.Minute})
	}

	var builder *contextbuilder.Builder
	if deps.Embedder != nil {
		builder, err = contextbuilder.New(deps.Embedder, deps.Index, contextbuilder.Config{}, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Manager{
		index:    deps.Index,
		store:    deps.Store,
		embedder: deps.Embedder,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		metadata: metadata,
		builder:  builder,
		perms:    permMgr,
		sharing:  shareMgr,
		recovery: rec,
		checker:  consistency.NewChecker(consistency.CheckerConfig{}, logger, nil),
		executor: consistency.NewExecutor(),
		searches: searches,
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
	}, nil
}

// Metadata exposes the database metadata service.
func (m *Manager) Metadata() *MetadataService { return m.metadata }

// Recovery exposes the checkpoint manager.
func (m *Manager) Recovery() *recovery.Manager { return m.recovery }

// Checker exposes the consistency checker.
func (m *Manager) Checker() *consistency.Checker { return m.checker }

// Audit exposes the permission audit trail.
func (m *Manager) Audit() *permissions.AuditLogger { return m.perms.Audit() }

// CreateSession creates a database and an active session bound to it.
// The owner receives the owner role.
func (m *Manager) CreateSession(ctx context.Context, database, ownerID string, config SessionConfig) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "engine.CreateSession",
		trace.WithAttributes(
			attribute.String("database", database),
			attribute.String("owner", ownerID),
		))
	defer span.End()

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session config: %w", err)
	}

	if err := m.metadata.Create(ctx, DatabaseMetadata{
		Name:   database,
		Type:   "vector",
		Owner:  ownerID,
		Config: &config,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := m.perms.Grant(ctx, database, ownerID, permissions.RoleOwner, "system"); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("granting owner role: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.New().String(),
		Database:     database,
		Config:       config,
		CreatedAt:    now,
		LastAccessAt: now,
		status:       SessionActive,
		records:      make(map[string]vectorstore.Record),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.byName[database] = session.ID
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("database", database),
		zap.String("owner", ownerID))
	return session, nil
}

// OpenSession attaches a fresh session to an existing database, the
// path taken after a restart when no session holds it. The user needs
// at least the reader role. The record registry is hydrated from the
// latest checkpoint when one exists; if the database is already held by
// a session, that session is returned.
func (m *Manager) OpenSession(ctx context.Context, database, userID string, config SessionConfig) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "engine.OpenSession",
		trace.WithAttributes(
			attribute.String("database", database),
			attribute.String("user", userID),
		))
	defer span.End()

	meta, err := m.metadata.Get(ctx, database)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := m.perms.Check(ctx, database, userID, permissions.ActionRead); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.mu.Lock()
	if id, ok := m.byName[database]; ok {
		session := m.sessions[id]
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	// A zero config inherits the settings the database was created
	// with.
	if config.isZero() && meta.Config != nil {
		config = *meta.Config
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session config: %w", err)
	}
	now := time.Now()
	session := &Session{
		ID:           uuid.New().String(),
		Database:     database,
		Config:       config,
		CreatedAt:    now,
		LastAccessAt: now,
		status:       SessionActive,
		records:      make(map[string]vectorstore.Record),
	}

	if state, err := m.recovery.Restore(database, ""); err == nil {
		records, rerr := recordsFromState(state)
		if rerr != nil {
			m.logger.Warn("checkpoint hydration failed",
				zap.String("database", database),
				zap.Error(rerr))
		} else {
			session.replaceRecords(records)
		}
	} else if !errors.Is(err, recovery.ErrCheckpointNotFound) {
		m.logger.Warn("checkpoint lookup failed",
			zap.String("database", database),
			zap.Error(err))
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.byName[database] = session.ID
	m.mu.Unlock()

	if err := m.metadata.Touch(ctx, database); err != nil {
		m.logger.Warn("metadata touch failed",
			zap.String("database", database),
			zap.Error(err))
	}

	m.logger.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("database", database),
		zap.Int("records", session.recordCount()))
	return session, nil
}

// Sessions returns the open sessions ordered by database name.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session)
	}
	m.mu.RUnlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Database < out[j-1].Database; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CheckpointAll snapshots every active session and returns how many
// checkpoints were taken. Used by the scheduled checkpoint sweep.
func (m *Manager) CheckpointAll(ctx context.Context) int {
	taken := 0
	for _, session := range m.Sessions() {
		if session.Status() != SessionActive {
			continue
		}
		_, err := m.recovery.Checkpoint(ctx, session.Database, session.snapshotRecords(), map[string]any{
			"session_id": session.ID,
			"created_by": "scheduler",
		})
		if err != nil {
			m.logger.Warn("scheduled checkpoint failed",
				zap.String("database", session.Database),
				zap.Error(err))
			continue
		}
		taken++
	}
	return taken
}

// GetSession returns the session by id.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return session, nil
}

// CloseSession marks the session closed. Closed sessions reject data
// operations but keep their database; ReopenSession reverses it.
func (m *Manager) CloseSession(sessionID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.setStatus(SessionClosed)
	return nil
}

// ReopenSession reactivates a closed session.
func (m *Manager) ReopenSession(sessionID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	session.setStatus(SessionActive)
	return nil
}

// DestroySession permanently removes the session, its database, its
// grants, and its checkpoints. Owner only.
func (m *Manager) DestroySession(ctx context.Context, sessionID, userID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	role, err := m.perms.Service().GetRole(ctx, session.Database, userID)
	if err != nil || role != permissions.RoleOwner {
		m.perms.Audit().Record(session.Database, userID, "destroy", false, "owner role required")
		return fmt.Errorf("%w: destroying %q requires the owner role", permissions.ErrPermissionDenied, session.Database)
	}
	m.perms.Audit().Record(session.Database, userID, "destroy", true, "")

	if err := m.index.Drop(ctx, session.Database); err != nil {
		return fmt.Errorf("dropping index: %w", err)
	}
	if err := m.metadata.Delete(ctx, session.Database); err != nil && !errors.Is(err, ErrDatabaseNotFound) {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	if err := m.perms.Service().RevokeAll(ctx, session.Database); err != nil {
		return fmt.Errorf("revoking grants: %w", err)
	}
	m.recovery.ClearKey(session.Database)
	m.searches.InvalidateNamespace(session.Database)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.byName, session.Database)
	m.mu.Unlock()

	m.logger.Info("session destroyed",
		zap.String("session_id", sessionID),
		zap.String("database", session.Database))
	return nil
}

// AddResult summarizes one ingestion batch.
type AddResult struct {
	Added    int
	Skipped  int
	Replaced int
	Invalid  []vectorstore.RecordError
}

// AddVectors validates, deduplicates, and indexes records. Invalid
// records are reported without blocking valid ones; the duplicate
// policy governs ids that collide within the batch or with records the
// session already holds. The whole write rolls back on failure.
func (m *Manager) AddVectors(ctx context.Context, sessionID, userID string, records []vectorstore.Record, policy vectorstore.DuplicatePolicy) (*AddResult, error) {
	ctx, span := m.tracer.Start(ctx, "engine.AddVectors",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("batch_size", len(records)),
			attribute.String("policy", string(policy)),
		))
	defer span.End()

	session, err := m.activeSession(sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionWrite); err != nil {
		span.RecordError(err)
		return nil, err
	}
	session.touch()

	batch := vectorstore.ValidateBatch(records, session.Config.Dimension)
	result := &AddResult{Invalid: batch.Invalid}
	if len(batch.Valid) == 0 {
		return result, nil
	}

	deduped, err := vectorstore.ResolveDuplicates(batch.Valid, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.Skipped += deduped.Skipped
	result.Replaced += deduped.Replaced

	// Apply the policy against records the session already holds.
	toWrite := make([]vectorstore.Record, 0, len(deduped.Records))
	var existing []string
	for _, rec := range deduped.Records {
		if _, ok := session.getRecord(rec.ID); !ok {
			toWrite = append(toWrite, rec)
			continue
		}
		switch policy {
		case vectorstore.DuplicateError:
			existing = append(existing, rec.ID)
		case vectorstore.DuplicateSkip:
			result.Skipped++
		case vectorstore.DuplicateReplace:
			result.Replaced++
			toWrite = append(toWrite, rec)
		}
	}
	if len(existing) > 0 {
		err := fmt.Errorf("%w: %v", vectorstore.ErrDuplicateIDs, existing)
		span.RecordError(err)
		return nil, err
	}
	if len(toWrite) == 0 {
		return result, nil
	}

	opID := m.recovery.BeginOperation("add_vectors", session.Database)
	snapshot := session.snapshotRecords()

	newIDs := make([]string, 0, len(toWrite))
	var overwritten []vectorstore.Point
	for _, rec := range toWrite {
		if prev, ok := snapshot[rec.ID]; ok {
			overwritten = append(overwritten, vectorstore.Point{ID: prev.ID, Vector: prev.Embedding, Payload: prev.Metadata})
		} else {
			newIDs = append(newIDs, rec.ID)
		}
	}

	werr := m.executor.ExecuteAtomic(ctx, []consistency.Step{
		{ID: "upsert_index", Run: func(ctx context.Context) error {
			return vectorstore.ProcessBatches(ctx, toWrite, session.Config.ChunkSize,
				func(ctx context.Context, chunk []vectorstore.Record) error {
					points := make([]vectorstore.Point, len(chunk))
					for i, rec := range chunk {
						points[i] = vectorstore.Point{ID: rec.ID, Vector: rec.Embedding, Payload: rec.Metadata}
					}
					return m.index.Upsert(ctx, session.Database, points)
				},
				func(done, total int, _ float64) {
					m.logger.Debug("ingest progress",
						zap.String("database", session.Database),
						zap.Int("done", done),
						zap.Int("total", total))
				})
		}},
		{ID: "update_registry", Run: func(ctx context.Context) error {
			session.putRecords(toWrite)
			return nil
		}},
		{ID: "sync_metadata", Run: func(ctx context.Context) error {
			return m.syncCount(ctx, session)
		}},
	})
	if werr != nil {
		session.replaceRecords(snapshot)
		if len(newIDs) > 0 {
			if derr := m.index.Delete(ctx, session.Database, newIDs); derr != nil {
				m.logger.Error("rollback index delete failed",
					zap.String("database", session.Database),
					zap.Error(derr))
			}
		}
		// Records the batch overwrote need their prior payloads put back.
		if len(overwritten) > 0 {
			if uerr := m.index.Upsert(ctx, session.Database, overwritten); uerr != nil {
				m.logger.Error("rollback index restore failed",
					zap.String("database", session.Database),
					zap.Error(uerr))
			}
		}
		span.RecordError(werr)
		span.SetStatus(codes.Error, werr.Error())
		return nil, fmt.Errorf("adding vectors: %w", werr)
	}

	if cerr := m.recovery.CompleteOperation(opID); cerr != nil {
		m.logger.Warn("completing operation journal entry failed", zap.Error(cerr))
	}
	m.searches.InvalidateNamespace(session.Database)

	count, err := m.index.Count(ctx, session.Database)
	if err == nil {
		m.checker.CheckState(ctx, consistency.Snapshot{
			DatabaseID:    session.Database,
			Count:         count,
			MetadataCount: session.recordCount(),
		})
	}

	result.Added = len(newIDs)
	span.SetAttributes(attribute.Int("added", result.Added))
	return result, nil
}

// UpdateMetadata replaces one record's metadata. The embedding stays.
func (m *Manager) UpdateMetadata(ctx context.Context, sessionID, userID, recordID string, metadata map[string]any) error {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionWrite); err != nil {
		return err
	}
	session.touch()

	rec, ok := session.getRecord(recordID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRecordNotFound, recordID)
	}
	if err := vectorstore.ValidateMetadata(metadata); err != nil {
		return err
	}

	rec.Metadata = metadata
	if err := m.index.Upsert(ctx, session.Database, []vectorstore.Point{
		{ID: rec.ID, Vector: rec.Embedding, Payload: metadata},
	}); err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	session.putRecords([]vectorstore.Record{rec})
	m.searches.InvalidateNamespace(session.Database)
	return nil
}

// DeleteByMetadata removes every record matching the filter and returns
// how many were deleted. Deletions are acknowledged to the consistency
// checker so the count drop is not read as a regression.
func (m *Manager) DeleteByMetadata(ctx context.Context, sessionID, userID string, filter *vectorstore.Filter) (int, error) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return 0, err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionWrite); err != nil {
		return 0, err
	}
	session.touch()

	ids := session.matchRecords(filter)
	if len(ids) == 0 {
		return 0, nil
	}

	if err := m.index.Delete(ctx, session.Database, ids); err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}
	session.removeRecords(ids)
	m.checker.AcknowledgeDelete(session.Database, len(ids))
	m.searches.InvalidateNamespace(session.Database)

	if err := m.syncCount(ctx, session); err != nil {
		m.logger.Warn("metadata count sync failed",
			zap.String("database", session.Database),
			zap.Error(err))
	}
	return len(ids), nil
}

// SearchQuery describes one search. Exactly one of Embedding and Text
// must be set; Text needs a configured embedder.
type SearchQuery struct {
	Embedding []float32
	Text      string
	TopK      int
	Threshold float32
	Filter    *vectorstore.Filter
}

// Search runs a similarity search in the session's database. Results
// are cached per database until the next write.
func (m *Manager) Search(ctx context.Context, sessionID, userID string, query SearchQuery) ([]vectorstore.ScoredPoint, error) {
	ctx, span := m.tracer.Start(ctx, "engine.Search",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	session, err := m.activeSession(sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionRead); err != nil {
		span.RecordError(err)
		return nil, err
	}
	session.touch()

	return m.searchDatabase(ctx, session, query)
}

// SearchMultipleDatabases fans the query out over the sessions the user
// can read. Databases the user lacks access to are skipped, not errors.
func (m *Manager) SearchMultipleDatabases(ctx context.Context, userID string, sessionIDs []string, query SearchQuery) (map[string][]vectorstore.ScoredPoint, error) {
	results := make(map[string][]vectorstore.ScoredPoint, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		session, err := m.activeSession(sessionID)
		if err != nil {
			return nil, err
		}
		if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionRead); err != nil {
			if errors.Is(err, permissions.ErrPermissionDenied) {
				continue
			}
			return nil, err
		}
		points, err := m.searchDatabase(ctx, session, query)
		if err != nil {
			return nil, fmt.Errorf("searching %q: %w", session.Database, err)
		}
		results[session.Database] = points
	}
	return results, nil
}

func (m *Manager) searchDatabase(ctx context.Context, session *Session, query SearchQuery) ([]vectorstore.ScoredPoint, error) {
	database := session.Database
	embedding := query.Embedding
	if len(embedding) == 0 {
		if query.Text == "" {
			return nil, ErrNoQuery
		}
		if m.embedder == nil {
			return nil, fmt.Errorf("%w: no embedder configured for text queries", ErrNoQuery)
		}
		emb, err := m.embedder.EmbedText(ctx, query.Text)
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		embedding = emb.Embedding
	}

	topK := query.TopK
	if topK <= 0 {
		topK = 10
	}

	cacheKey, err := consistency.ComputeChecksum(map[string]any{
		"embedding": embedding,
		"top_k":     topK,
		"threshold": query.Threshold,
		"filter":    query.Filter,
	})
	if err == nil {
		if cached, ok := m.searches.Get(cacheKey, cache.WithNamespace(database)); ok {
			return cached.([]vectorstore.ScoredPoint), nil
		}
	}

	points, err := m.index.Search(ctx, database, embedding, topK, &vectorstore.SearchOptions{
		Threshold: query.Threshold,
		Filter:    query.Filter,
	})
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	if cacheKey != "" {
		budget := session.Config.CacheBudget
		if budget == 0 || m.searches.NamespaceLen(database) < budget {
			m.searches.Set(cacheKey, points, cache.WithNamespace(database))
		}
	}
	return points, nil
}

// SessionStats reports the session's size and health.
type SessionStats struct {
	Database     string
	Status       SessionStatus
	VectorCount  int
	StorageSize  int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	Cache        cache.Stats
	Consistency  consistency.CheckerStats
}

// Stats returns the session's statistics. Reader role suffices.
func (m *Manager) Stats(ctx context.Context, sessionID, userID string) (*SessionStats, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionRead); err != nil {
		return nil, err
	}

	count, err := m.index.Count(ctx, session.Database)
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}

	return &SessionStats{
		Database:     session.Database,
		Status:       session.Status(),
		VectorCount:  count,
		StorageSize:  vectorstore.EstimateMemory(count, session.Config.Dimension, 0),
		CreatedAt:    session.CreatedAt,
		LastAccessAt: session.LastAccessAt,
		Cache:        m.searches.Stats(),
		Consistency:  m.checker.Stats(),
	}, nil
}

// CreateCheckpoint snapshots the session's records and returns the
// checkpoint id. Writer role required.
func (m *Manager) CreateCheckpoint(ctx context.Context, sessionID, userID string) (string, error) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return "", err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionWrite); err != nil {
		return "", err
	}

	cp, err := m.recovery.Checkpoint(ctx, session.Database, session.snapshotRecords(), map[string]any{
		"session_id": sessionID,
		"created_by": userID,
	})
	if err != nil {
		return "", fmt.Errorf("creating checkpoint: %w", err)
	}
	return cp.ID, nil
}

// RestoreState rewinds the session to a checkpoint: the record registry
// is replaced and the index rebuilt from it. An empty checkpoint id
// restores the latest one.
func (m *Manager) RestoreState(ctx context.Context, sessionID, userID, checkpointID string) error {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionWrite); err != nil {
		return err
	}

	state, err := m.recovery.Restore(session.Database, checkpointID)
	if err != nil {
		return fmt.Errorf("restoring checkpoint: %w", err)
	}
	records, err := recordsFromState(state)
	if err != nil {
		return err
	}

	prior := session.snapshotRecords()

	if err := m.index.Drop(ctx, session.Database); err != nil {
		return fmt.Errorf("dropping index for restore: %w", err)
	}
	if len(records) > 0 {
		points := make([]vectorstore.Point, 0, len(records))
		for _, rec := range records {
			points = append(points, vectorstore.Point{ID: rec.ID, Vector: rec.Embedding, Payload: rec.Metadata})
		}
		if err := m.index.Upsert(ctx, session.Database, points); err != nil {
			// Put the pre-restore records back so index and registry
			// keep matching.
			if len(prior) > 0 {
				priorPoints := make([]vectorstore.Point, 0, len(prior))
				for _, rec := range prior {
					priorPoints = append(priorPoints, vectorstore.Point{ID: rec.ID, Vector: rec.Embedding, Payload: rec.Metadata})
				}
				if uerr := m.index.Upsert(ctx, session.Database, priorPoints); uerr != nil {
					m.logger.Error("reindexing prior records failed",
						zap.String("database", session.Database),
						zap.Error(uerr))
				}
			}
			return fmt.Errorf("reindexing restored records: %w", err)
		}
	}

	session.replaceRecords(records)
	m.checker.Reset(session.Database)
	m.searches.InvalidateNamespace(session.Database)

	if err := m.syncCount(ctx, session); err != nil {
		m.logger.Warn("metadata count sync failed after restore",
			zap.String("database", session.Database),
			zap.Error(err))
	}

	m.logger.Info("session state restored",
		zap.String("session_id", sessionID),
		zap.String("database", session.Database),
		zap.Int("records", len(records)))
	return nil
}

// BuildContext assembles retrieval-augmented prompt context from the
// session's database. Reader role suffices. Requires an embedder.
func (m *Manager) BuildContext(ctx context.Context, sessionID, userID string, req contextbuilder.Request) (*contextbuilder.Result, error) {
	session, err := m.activeSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.perms.Check(ctx, session.Database, userID, permissions.ActionRead); err != nil {
		return nil, err
	}
	if m.builder == nil {
		return nil, fmt.Errorf("%w: context building needs an embedding provider", ErrNoQuery)
	}

	req.DatabaseID = session.Database
	session.touch()
	return m.builder.Build(ctx, req)
}

// Grant assigns a role on the session's database. Owner only.
func (m *Manager) Grant(ctx context.Context, sessionID, ownerID, userID string, role permissions.Role) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	got, err := m.perms.Service().GetRole(ctx, session.Database, ownerID)
	if err != nil || got != permissions.RoleOwner {
		m.perms.Audit().Record(session.Database, ownerID, "grant", false, "owner role required")
		return fmt.Errorf("%w: granting on %q requires the owner role", permissions.ErrPermissionDenied, session.Database)
	}
	return m.perms.Grant(ctx, session.Database, userID, role, ownerID)
}

// Revoke removes a user's role on the session's database. Owner only.
func (m *Manager) Revoke(ctx context.Context, sessionID, ownerID, userID string) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	got, err := m.perms.Service().GetRole(ctx, session.Database, ownerID)
	if err != nil || got != permissions.RoleOwner {
		m.perms.Audit().Record(session.Database, ownerID, "revoke", false, "owner role required")
		return fmt.Errorf("%w: revoking on %q requires the owner role", permissions.ErrPermissionDenied, session.Database)
	}
	return m.perms.Revoke(ctx, session.Database, userID)
}

// CheckPermission evaluates an action for the user on the session's
// database, with auditing.
func (m *Manager) CheckPermission(ctx context.Context, sessionID, userID string, action permissions.Action) error {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	return m.perms.Check(ctx, session.Database, userID, action)
}

// CreateInvitation invites a user to the session's database.
func (m *Manager) CreateInvitation(ctx context.Context, sessionID, inviterID, inviteeID string, role permissions.Role, ttl time.Duration) (*sharing.Invitation, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.sharing.CreateInvitation(ctx, session.Database, inviterID, inviteeID, role, ttl)
}

// AcceptInvitation accepts an invitation as the invitee.
func (m *Manager) AcceptInvitation(ctx context.Context, invitationID, userID string) error {
	return m.sharing.AcceptInvitation(ctx, invitationID, userID)
}

// GenerateToken issues a share token for the session's database.
func (m *Manager) GenerateToken(ctx context.Context, sessionID, issuerID string, role permissions.Role, maxUses int, ttl time.Duration) (*sharing.Token, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.sharing.GenerateToken(ctx, session.Database, issuerID, role, maxUses, ttl)
}

// UseToken redeems a share token for the user.
func (m *Manager) UseToken(ctx context.Context, tokenID, secret, userID string) error {
	return m.sharing.UseToken(ctx, tokenID, secret, userID)
}

// Close shuts down the engine's backends.
func (m *Manager) Close() error {
	var errs []error
	if err := m.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing index: %w", err))
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// activeSession returns the session if it exists and is active.
func (m *Manager) activeSession(sessionID string) (*Session, error) {
	session, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status() != SessionActive {
		return nil, fmt.Errorf("%w: %q", ErrSessionClosed, sessionID)
	}
	return session, nil
}

// syncCount writes the session's record count and estimated size into
// the database metadata.
func (m *Manager) syncCount(ctx context.Context, session *Session) error {
	count := session.recordCount()
	size := vectorstore.EstimateMemory(count, session.Config.Dimension, 0)
	return m.metadata.Update(ctx, session.Database, MetadataUpdate{
		VectorCount: &count,
		StorageSize: &size,
	})
}

// recordsFromState rebuilds the typed registry from a restored
// checkpoint state, which arrives as generic JSON values.
func recordsFromState(state any) (map[string]vectorstore.Record, error) {
	raw, ok := state.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected checkpoint state type %T", state)
	}

	records := make(map[string]vectorstore.Record, len(raw))
	for id, value := range raw {
		entry, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected checkpoint record type %T for %q", value, id)
		}
		rec := vectorstore.Record{ID: id}
		if emb, ok := entry["Embedding"].([]any); ok {
			rec.Embedding = make([]float32, len(emb))
			for i, v := range emb {
				f, ok := v.(float64)
				if !ok {
					return nil, fmt.Errorf("unexpected embedding value type %T in %q", v, id)
				}
				rec.Embedding[i] = float32(f)
			}
		}
		if meta, ok := entry["Metadata"].(map[string]any); ok {
			rec.Metadata = meta
		}
		records[id] = rec
	}
	return records, nil
}
