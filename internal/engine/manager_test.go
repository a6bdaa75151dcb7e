package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragstore/internal/cache"
	"github.com/fyrsmithlabs/ragstore/internal/contextbuilder"
	"github.com/fyrsmithlabs/ragstore/internal/embeddings"
	"github.com/fyrsmithlabs/ragstore/internal/kv"
	"github.com/fyrsmithlabs/ragstore/internal/permissions"
	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

// faultStore wraps a Store and rejects metadata writes while armed,
// driving write paths into their rollback branches.
type faultStore struct {
	kv.Store
	failMetaPuts bool
}

func (s *faultStore) Put(ctx context.Context, key string, value []byte) error {
	if s.failMetaPuts && strings.HasPrefix(key, "meta/") {
		return errors.New("store unavailable")
	}
	return s.Store.Put(ctx, key, value)
}

// faultIndex wraps an Index, counting upserts and failing the next
// failUpserts of them.
type faultIndex struct {
	vectorstore.Index
	upserts     int
	failUpserts int
}

func (f *faultIndex) Upsert(ctx context.Context, databaseID string, points []vectorstore.Point) error {
	f.upserts++
	if f.failUpserts > 0 {
		f.failUpserts--
		return errors.New("index unavailable")
	}
	return f.Index.Upsert(ctx, databaseID, points)
}

func newEngine(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Deps{
		Index: vectorstore.NewMemoryIndex(),
		Store: kv.NewMemory(),
	})
	require.NoError(t, err)
	return m
}

func dimVector(dim int, lead ...float32) []float32 {
	v := make([]float32, dim)
	copy(v, lead)
	return v
}

func TestManager_EndToEnd(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	require.Equal(t, SessionActive, session.Status())

	dim := session.Config.Dimension
	require.Equal(t, vectorstore.DefaultDimension, dim)

	records := []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1), Metadata: map[string]any{"category": "science"}},
		{ID: "v2", Embedding: dimVector(dim, 0.9, 0.1), Metadata: map[string]any{"category": "science"}},
		{ID: "v3", Embedding: dimVector(dim, 0, 1), Metadata: map[string]any{"category": "history"}},
	}
	result, err := m.AddVectors(ctx, session.ID, "alice", records, vectorstore.DuplicateError)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Added)
	assert.Empty(t, result.Invalid)

	// Filtered search returns exactly the two science records.
	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
		Embedding: dimVector(dim, 1),
		TopK:      10,
		Filter:    vectorstore.Eq("category", "science"),
	})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "v1", points[0].ID)
	assert.Equal(t, "v2", points[1].ID)

	stats, err := m.Stats(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.VectorCount)
	assert.Greater(t, stats.StorageSize, int64(0))
}

func TestManager_CreateSession_DuplicateDatabase(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, "docs", "bob", SessionConfig{})
	assert.ErrorIs(t, err, ErrDatabaseExists)
}

func TestManager_AddVectors_Validation(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	records := []vectorstore.Record{
		{ID: "good", Embedding: dimVector(4, 1)},
		{ID: "bad", Embedding: dimVector(3, 1)},
		{Embedding: dimVector(4, 1)},
	}
	result, err := m.AddVectors(ctx, session.ID, "alice", records, vectorstore.DuplicateError)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Len(t, result.Invalid, 2)
}

func TestManager_AddVectors_DuplicatePolicies(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	first := []vectorstore.Record{{ID: "v1", Embedding: dimVector(4, 1), Metadata: map[string]any{"rev": 1}}}
	_, err = m.AddVectors(ctx, session.ID, "alice", first, vectorstore.DuplicateError)
	require.NoError(t, err)

	again := []vectorstore.Record{{ID: "v1", Embedding: dimVector(4, 0, 1), Metadata: map[string]any{"rev": 2}}}

	// error policy rejects ids the session already holds.
	_, err = m.AddVectors(ctx, session.ID, "alice", again, vectorstore.DuplicateError)
	assert.ErrorIs(t, err, vectorstore.ErrDuplicateIDs)

	// skip leaves the original untouched.
	result, err := m.AddVectors(ctx, session.ID, "alice", again, vectorstore.DuplicateSkip)
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Equal(t, 1, result.Skipped)

	// replace overwrites it.
	result, err = m.AddVectors(ctx, session.ID, "alice", again, vectorstore.DuplicateReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replaced)

	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{Embedding: dimVector(4, 0, 1), TopK: 1})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Payload["rev"])
}

func TestManager_Permissions(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	records := []vectorstore.Record{{ID: "v1", Embedding: dimVector(4, 1)}}

	// Strangers can neither read nor write.
	_, err = m.AddVectors(ctx, session.ID, "bob", records, vectorstore.DuplicateError)
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)
	_, err = m.Search(ctx, session.ID, "bob", SearchQuery{Embedding: dimVector(4, 1)})
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)

	// A reader can search but not write.
	require.NoError(t, m.Grant(ctx, session.ID, "alice", "bob", permissions.RoleReader))
	_, err = m.Search(ctx, session.ID, "bob", SearchQuery{Embedding: dimVector(4, 1)})
	assert.NoError(t, err)
	_, err = m.AddVectors(ctx, session.ID, "bob", records, vectorstore.DuplicateError)
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)

	// Only owners grant.
	assert.ErrorIs(t, m.Grant(ctx, session.ID, "bob", "carol", permissions.RoleReader), permissions.ErrPermissionDenied)

	// Revocation closes access again.
	require.NoError(t, m.Revoke(ctx, session.ID, "alice", "bob"))
	_, err = m.Search(ctx, session.ID, "bob", SearchQuery{Embedding: dimVector(4, 1)})
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)

	// Every decision landed in the audit trail.
	assert.NotEmpty(t, m.Audit().ByUser("bob"))
}

func TestManager_UpdateMetadata(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1), Metadata: map[string]any{"category": "draft"}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	require.NoError(t, m.UpdateMetadata(ctx, session.ID, "alice", "v1", map[string]any{"category": "final"}))

	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
		Embedding: dimVector(4, 1),
		Filter:    vectorstore.Eq("category", "final"),
	})
	require.NoError(t, err)
	require.Len(t, points, 1)

	assert.ErrorIs(t, m.UpdateMetadata(ctx, session.ID, "alice", "ghost", nil), ErrRecordNotFound)
}

func TestManager_DeleteByMetadata(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1), Metadata: map[string]any{"category": "science"}},
		{ID: "v2", Embedding: dimVector(4, 0, 1), Metadata: map[string]any{"category": "science"}},
		{ID: "v3", Embedding: dimVector(4, 0, 0, 1), Metadata: map[string]any{"category": "history"}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	deleted, err := m.DeleteByMetadata(ctx, session.ID, "alice", vectorstore.Eq("category", "science"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	stats, err := m.Stats(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VectorCount)

	// The acknowledged deletion kept the consistency run clean.
	assert.Equal(t, int64(0), m.Checker().Stats().Failures)
}

func TestManager_SessionLifecycle(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	require.NoError(t, m.CloseSession(session.ID))
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, m.ReopenSession(session.ID))
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	assert.NoError(t, err)

	require.NoError(t, m.DestroySession(ctx, session.ID, "alice"))
	_, err = m.GetSession(session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// The name is free for reuse after destruction.
	_, err = m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	assert.NoError(t, err)
}

func TestManager_DestroyRequiresOwner(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)
	require.NoError(t, m.Grant(ctx, session.ID, "alice", "bob", permissions.RoleWriter))

	assert.ErrorIs(t, m.DestroySession(ctx, session.ID, "bob"), permissions.ErrPermissionDenied)
}

func TestManager_CheckpointAndRestore(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1), Metadata: map[string]any{"category": "science"}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	checkpointID, err := m.CreateCheckpoint(ctx, session.ID, "alice")
	require.NoError(t, err)

	// Diverge: delete everything, add something else.
	_, err = m.DeleteByMetadata(ctx, session.ID, "alice", vectorstore.Eq("category", "science"))
	require.NoError(t, err)
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v9", Embedding: dimVector(4, 0, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	require.NoError(t, m.RestoreState(ctx, session.ID, "alice", checkpointID))

	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{Embedding: dimVector(4, 1), TopK: 10})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "v1", points[0].ID)
	assert.Equal(t, "science", points[0].Payload["category"])

	stats, err := m.Stats(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VectorCount)
}

func TestManager_SearchMultipleDatabases(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	mine, err := m.CreateSession(ctx, "mine", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)
	other, err := m.CreateSession(ctx, "other", "bob", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	_, err = m.AddVectors(ctx, mine.ID, "alice", []vectorstore.Record{
		{ID: "a1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)
	_, err = m.AddVectors(ctx, other.ID, "bob", []vectorstore.Record{
		{ID: "b1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	// Alice reads only her own database; bob's is skipped silently.
	results, err := m.SearchMultipleDatabases(ctx, "alice", []string{mine.ID, other.ID}, SearchQuery{
		Embedding: dimVector(4, 1),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results["mine"], 1)

	// Shared access widens the fan-out.
	require.NoError(t, m.Grant(ctx, other.ID, "bob", "alice", permissions.RoleReader))
	results, err = m.SearchMultipleDatabases(ctx, "alice", []string{mine.ID, other.ID}, SearchQuery{
		Embedding: dimVector(4, 1),
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestManager_SharingFlows(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	// Invitation grants access once accepted.
	inv, err := m.CreateInvitation(ctx, session.ID, "alice", "bob", permissions.RoleReader, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.AcceptInvitation(ctx, inv.ID, "bob"))
	_, err = m.Search(ctx, session.ID, "bob", SearchQuery{Embedding: dimVector(4, 1)})
	assert.NoError(t, err)

	// Token redemption grants access too.
	token, err := m.GenerateToken(ctx, session.ID, "alice", permissions.RoleReader, 1, 0)
	require.NoError(t, err)
	require.NoError(t, m.UseToken(ctx, token.ID, token.Secret, "carol"))
	_, err = m.Search(ctx, session.ID, "carol", SearchQuery{Embedding: dimVector(4, 1)})
	assert.NoError(t, err)
}

func TestManager_SearchRequiresQuery(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)

	_, err = m.Search(ctx, session.ID, "alice", SearchQuery{})
	assert.ErrorIs(t, err, ErrNoQuery)

	// Text queries need an embedder.
	_, err = m.Search(ctx, session.ID, "alice", SearchQuery{Text: "hello"})
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestManager_SearchCaching(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{Dimension: 4})
	require.NoError(t, err)
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(4, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	query := SearchQuery{Embedding: dimVector(4, 1), TopK: 5}
	_, err = m.Search(ctx, session.ID, "alice", query)
	require.NoError(t, err)
	_, err = m.Search(ctx, session.ID, "alice", query)
	require.NoError(t, err)

	stats, err := m.Stats(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Cache.Hits)

	// Writes invalidate cached results.
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v2", Embedding: dimVector(4, 0.9)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	points, err := m.Search(ctx, session.ID, "alice", query)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestManager_OpenSession_AfterRestart(t *testing.T) {
	ctx := context.Background()
	index := vectorstore.NewMemoryIndex()
	store := kv.NewMemory()

	first, err := NewManager(Deps{Index: index, Store: store})
	require.NoError(t, err)

	session, err := first.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)

	dim := session.Config.Dimension
	_, err = first.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1), Metadata: map[string]any{"kind": "note"}},
		{ID: "v2", Embedding: dimVector(dim, 0, 1), Metadata: map[string]any{"kind": "note"}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	_, err = first.CreateCheckpoint(ctx, session.ID, "alice")
	require.NoError(t, err)

	// A second manager over the same backends stands in for a restart.
	second, err := NewManager(Deps{Index: index, Store: store})
	require.NoError(t, err)
	_, err = second.Recovery().LoadFromStore(ctx)
	require.NoError(t, err)

	reopened, err := second.OpenSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, "docs", reopened.Database)
	assert.Equal(t, 2, reopened.recordCount())

	// The hydrated registry serves metadata-filtered deletes.
	n, err := second.DeleteByMetadata(ctx, reopened.ID, "alice", vectorstore.Eq("kind", "note"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_OpenSession_Checks(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	_, err := m.OpenSession(ctx, "ghost", "alice", SessionConfig{})
	assert.ErrorIs(t, err, ErrDatabaseNotFound)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)

	// An already-held database hands back the existing session.
	again, err := m.OpenSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, session.ID, again.ID)

	// No grant, no session.
	_, err = m.OpenSession(ctx, "docs", "mallory", SessionConfig{})
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)
}

func TestManager_CheckpointAll(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	s1, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, "notes", "alice", SessionConfig{})
	require.NoError(t, err)

	closed, err := m.CreateSession(ctx, "archive", "alice", SessionConfig{})
	require.NoError(t, err)
	require.NoError(t, m.CloseSession(closed.ID))

	taken := m.CheckpointAll(ctx)
	assert.Equal(t, 2, taken)

	assert.Len(t, m.Recovery().History(s1.Database), 1)
	assert.Empty(t, m.Recovery().History(closed.Database))
}

func TestManager_Sessions_Ordered(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	for _, name := range []string{"zebra", "alpha", "mango"} {
		_, err := m.CreateSession(ctx, name, "alice", SessionConfig{})
		require.NoError(t, err)
	}

	sessions := m.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, "alpha", sessions[0].Database)
	assert.Equal(t, "mango", sessions[1].Database)
	assert.Equal(t, "zebra", sessions[2].Database)
}

type stubEmbedder struct {
	dim int
}

func (s *stubEmbedder) EmbedText(ctx context.Context, text string) (*embeddings.TextEmbedding, error) {
	return &embeddings.TextEmbedding{Embedding: dimVector(s.dim, 1), TokenCount: 1}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) (*embeddings.BatchResult, error) {
	out := &embeddings.BatchResult{Model: s.Model(), Provider: s.Name()}
	for range texts {
		out.Embeddings = append(out.Embeddings, dimVector(s.dim, 1))
		out.TotalTokens++
	}
	return out, nil
}

func (s *stubEmbedder) Model() string { return "stub" }
func (s *stubEmbedder) Name() string  { return "stub" }

func TestManager_BuildContext(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Deps{
		Index:    vectorstore.NewMemoryIndex(),
		Store:    kv.NewMemory(),
		Embedder: &stubEmbedder{dim: vectorstore.DefaultDimension},
	})
	require.NoError(t, err)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)

	dim := session.Config.Dimension
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1), Metadata: map[string]any{
			"content": "Vectors are stored per database.", "source": "design.md",
		}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	result, err := m.BuildContext(ctx, session.ID, "alice", contextbuilder.Request{
		Prompt: "how are vectors stored?",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matches)
	assert.Contains(t, result.Context, "Vectors are stored per database.")
	assert.Equal(t, []string{"design.md"}, result.Sources)

	// Readers can build context; strangers cannot.
	_, err = m.BuildContext(ctx, session.ID, "mallory", contextbuilder.Request{Prompt: "q"})
	assert.ErrorIs(t, err, permissions.ErrPermissionDenied)
}

func TestManager_BuildContext_NoEmbedder(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)

	_, err = m.BuildContext(ctx, session.ID, "alice", contextbuilder.Request{Prompt: "q"})
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestManager_AddVectors_RollbackRestoresReplacedRecords(t *testing.T) {
	ctx := context.Background()
	store := &faultStore{Store: kv.NewMemory()}
	m, err := NewManager(Deps{Index: vectorstore.NewMemoryIndex(), Store: store})
	require.NoError(t, err)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	dim := session.Config.Dimension

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1), Metadata: map[string]any{"rev": "old"}},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	// The metadata sync step fails after the index already took the
	// batch, so the whole write has to roll back.
	store.failMetaPuts = true
	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1), Metadata: map[string]any{"rev": "new"}},
		{ID: "v2", Embedding: dimVector(dim, 0, 1), Metadata: map[string]any{"rev": "new"}},
	}, vectorstore.DuplicateReplace)
	require.Error(t, err)
	store.failMetaPuts = false

	rec, ok := session.getRecord("v1")
	require.True(t, ok)
	assert.Equal(t, "old", rec.Metadata["rev"])
	_, ok = session.getRecord("v2")
	assert.False(t, ok)

	// The index serves the pre-batch payload for the replaced record
	// and the brand-new record is gone.
	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
		Embedding: dimVector(dim, 1),
		TopK:      10,
	})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "v1", points[0].ID)
	assert.Equal(t, "old", points[0].Payload["rev"])
}

func TestManager_RestoreState_FailureKeepsIndexConsistent(t *testing.T) {
	ctx := context.Background()
	idx := &faultIndex{Index: vectorstore.NewMemoryIndex()}
	m, err := NewManager(Deps{Index: idx, Store: kv.NewMemory()})
	require.NoError(t, err)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	dim := session.Config.Dimension

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	cpID, err := m.CreateCheckpoint(ctx, session.ID, "alice")
	require.NoError(t, err)

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v2", Embedding: dimVector(dim, 0, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	// A failed reindex puts the pre-restore records back instead of
	// leaving the index dropped while the registry keeps them.
	idx.failUpserts = 1
	err = m.RestoreState(ctx, session.ID, "alice", cpID)
	require.Error(t, err)

	assert.Equal(t, 2, session.recordCount())
	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
		Embedding: dimVector(dim, 1),
		TopK:      10,
	})
	require.NoError(t, err)
	assert.Len(t, points, 2)

	// Once the index recovers the restore goes through.
	require.NoError(t, m.RestoreState(ctx, session.ID, "alice", cpID))
	assert.Equal(t, 1, session.recordCount())
}

func TestManager_AddVectors_ChunkedUpserts(t *testing.T) {
	ctx := context.Background()
	idx := &faultIndex{Index: vectorstore.NewMemoryIndex()}
	m, err := NewManager(Deps{Index: idx, Store: kv.NewMemory()})
	require.NoError(t, err)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{ChunkSize: 2})
	require.NoError(t, err)
	dim := session.Config.Dimension

	records := make([]vectorstore.Record, 5)
	for i := range records {
		records[i] = vectorstore.Record{
			ID:        string(rune('a' + i)),
			Embedding: dimVector(dim, 1, float32(i)*0.1),
		}
	}
	result, err := m.AddVectors(ctx, session.ID, "alice", records, vectorstore.DuplicateError)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Added)

	// Five records at chunk size two means three index round trips.
	assert.Equal(t, 3, idx.upserts)

	points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
		Embedding: dimVector(dim, 1),
		TopK:      10,
	})
	require.NoError(t, err)
	assert.Len(t, points, 5)
}

func TestManager_SessionConfig_Validation(t *testing.T) {
	m := newEngine(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{
		StorageEndpoint: "not a url",
	})
	assert.Error(t, err)

	_, err = m.CreateSession(ctx, "docs", "alice", SessionConfig{ChunkSize: -1})
	assert.Error(t, err)

	_, err = m.CreateSession(ctx, "docs", "alice", SessionConfig{
		StorageEndpoint: "https://qdrant.internal:6334",
	})
	assert.NoError(t, err)
}

func TestManager_OpenSession_InheritsStoredConfig(t *testing.T) {
	ctx := context.Background()
	index := vectorstore.NewMemoryIndex()
	store := kv.NewMemory()

	m1, err := NewManager(Deps{Index: index, Store: store})
	require.NoError(t, err)

	want := SessionConfig{
		ChunkSize:       7,
		CacheBudget:     3,
		EncryptAtRest:   true,
		StorageEndpoint: "https://qdrant.internal:6334",
	}
	_, err = m1.CreateSession(ctx, "docs", "alice", want)
	require.NoError(t, err)

	// A second engine over the same store reopens the database with the
	// configuration it was created with.
	m2, err := NewManager(Deps{Index: index, Store: store})
	require.NoError(t, err)

	session, err := m2.OpenSession(ctx, "docs", "alice", SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, vectorstore.DefaultDimension, session.Config.Dimension)
	assert.Equal(t, 7, session.Config.ChunkSize)
	assert.Equal(t, 3, session.Config.CacheBudget)
	assert.True(t, session.Config.EncryptAtRest)
	assert.Equal(t, "https://qdrant.internal:6334", session.Config.StorageEndpoint)
}

func TestManager_Search_CacheBudget(t *testing.T) {
	ctx := context.Background()
	searches := cache.New(cache.Config{DefaultTTL: 5 * time.Minute})
	m, err := NewManager(Deps{
		Index:       vectorstore.NewMemoryIndex(),
		Store:       kv.NewMemory(),
		SearchCache: searches,
	})
	require.NoError(t, err)

	session, err := m.CreateSession(ctx, "docs", "alice", SessionConfig{CacheBudget: 1})
	require.NoError(t, err)
	dim := session.Config.Dimension

	_, err = m.AddVectors(ctx, session.ID, "alice", []vectorstore.Record{
		{ID: "v1", Embedding: dimVector(dim, 1)},
	}, vectorstore.DuplicateError)
	require.NoError(t, err)

	for _, topK := range []int{1, 2, 3} {
		points, err := m.Search(ctx, session.ID, "alice", SearchQuery{
			Embedding: dimVector(dim, 1),
			TopK:      topK,
		})
		require.NoError(t, err)
		assert.Len(t, points, 1)
	}

	// Only the first distinct query fit the session's budget.
	assert.Equal(t, 1, searches.NamespaceLen("docs"))
}
