package contextbuilder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragstore/internal/embeddings"
	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) (*embeddings.TextEmbedding, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &embeddings.TextEmbedding{Embedding: []float32{1, 0, 0}, TokenCount: 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) (*embeddings.BatchResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeEmbedder) Model() string { return "fake" }
func (f *fakeEmbedder) Name() string  { return "fake" }

func seededIndex(t *testing.T) vectorstore.Index {
	t.Helper()
	idx := vectorstore.NewMemoryIndex()
	err := idx.Upsert(context.Background(), "db1", []vectorstore.Point{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{
			"content": "Water boils at 100C.", "source": "physics.md",
		}},
		{ID: "p2", Vector: []float32{0.9, 0.1, 0}, Payload: map[string]any{
			"content": "Ice melts at 0C.", "source": "physics.md",
		}},
		{ID: "p3", Vector: []float32{0, 1, 0}, Payload: map[string]any{
			"content": "Rome fell in 476.", "source": "history.md",
		}},
	})
	require.NoError(t, err)
	return idx
}

func newBuilder(t *testing.T, embedder embeddings.Provider, index vectorstore.Index) *Builder {
	t.Helper()
	b, err := New(embedder, index, Config{}, nil)
	require.NoError(t, err)
	return b
}

func TestBuilder_Build(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, seededIndex(t))

	result, err := b.Build(context.Background(), Request{
		DatabaseID: "db1",
		Prompt:     "at what temperature does water boil?",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Matches)
	assert.Contains(t, result.Context, "Water boils at 100C.")
	assert.Contains(t, result.Context, "Sources: physics.md, history.md")
	assert.Equal(t, []string{"physics.md", "history.md"}, result.Sources)
	assert.False(t, result.Truncated)
}

func TestBuilder_Build_CustomTemplate(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, seededIndex(t))

	result, err := b.Build(context.Background(), Request{
		DatabaseID: "db1",
		Prompt:     "water",
		TopK:       1,
		Template:   "CTX[{context}] SRC[{sources}]",
	})
	require.NoError(t, err)
	assert.Equal(t, "CTX[Water boils at 100C.] SRC[physics.md]", result.Context)
}

func TestBuilder_Build_Filter(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, seededIndex(t))

	result, err := b.Build(context.Background(), Request{
		DatabaseID: "db1",
		Prompt:     "history question",
		Filter:     vectorstore.Eq("source", "history.md"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matches)
	assert.Equal(t, []string{"history.md"}, result.Sources)
}

func TestBuilder_Build_EmptyPrompt(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, seededIndex(t))

	result, err := b.Build(context.Background(), Request{DatabaseID: "db1", Prompt: "   "})
	require.NoError(t, err)
	assert.Empty(t, result.Context)
	assert.Zero(t, result.Matches)
	assert.Equal(t, int64(1), b.Metrics().EmptyRetrievals)
}

func TestBuilder_Build_DegradesOnEmbedFailure(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{err: errors.New("backend down")}, seededIndex(t))

	result, err := b.Build(context.Background(), Request{DatabaseID: "db1", Prompt: "anything"})
	require.NoError(t, err)
	assert.Empty(t, result.Context)
	assert.Equal(t, int64(1), b.Metrics().EmptyRetrievals)
}

func TestBuilder_Build_UnknownDatabase(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, vectorstore.NewMemoryIndex())

	result, err := b.Build(context.Background(), Request{DatabaseID: "nope", Prompt: "anything"})
	require.NoError(t, err)
	assert.Empty(t, result.Context)
	assert.Empty(t, result.Sources)
}

func TestBuilder_Build_TokenBudget(t *testing.T) {
	idx := vectorstore.NewMemoryIndex()
	long := strings.Repeat("This is a sentence about water. ", 40)
	err := idx.Upsert(context.Background(), "db1", []vectorstore.Point{
		{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"content": long}},
	})
	require.NoError(t, err)

	b := newBuilder(t, &fakeEmbedder{}, idx)
	result, err := b.Build(context.Background(), Request{
		DatabaseID:  "db1",
		Prompt:      "water",
		Template:    "{context}",
		TokenBudget: 20,
	})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.True(t, strings.HasSuffix(result.Context, "…[truncated]"))

	// The cut lands on a sentence boundary before the marker.
	body := strings.TrimSuffix(result.Context, " …[truncated]")
	assert.True(t, strings.HasSuffix(body, "."), "got %q", body)
	assert.LessOrEqual(t, len(body), 20*4)
}

func TestBuilder_Metrics(t *testing.T) {
	b := newBuilder(t, &fakeEmbedder{}, seededIndex(t))
	ctx := context.Background()

	_, err := b.Build(ctx, Request{DatabaseID: "db1", Prompt: "water"})
	require.NoError(t, err)
	_, err = b.Build(ctx, Request{DatabaseID: "db1", Prompt: ""})
	require.NoError(t, err)

	stats := b.Metrics()
	assert.Equal(t, int64(2), stats.Builds)
	assert.Equal(t, int64(1), stats.EmptyRetrievals)
	assert.Greater(t, stats.AvgTopScore, 0.0)
	assert.Greater(t, stats.TotalTokens, int64(0))
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
