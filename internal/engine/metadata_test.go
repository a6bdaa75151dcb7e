package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragstore/internal/kv"
)

func newMetadataService(t *testing.T) *MetadataService {
	t.Helper()
	s, err := NewMetadataService(kv.NewMemory(), nil)
	require.NoError(t, err)
	return s
}

func TestMetadataService_CreateAndGet(t *testing.T) {
	s := newMetadataService(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, DatabaseMetadata{Name: "docs", Type: "vector", Owner: "alice"}))

	meta, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", meta.Name)
	assert.Equal(t, "alice", meta.Owner)
	assert.False(t, meta.CreatedAt.IsZero())

	// Names are unique.
	err = s.Create(ctx, DatabaseMetadata{Name: "docs", Owner: "bob"})
	assert.ErrorIs(t, err, ErrDatabaseExists)

	_, err = s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDatabaseNotFound)
}

func TestMetadataService_Update(t *testing.T) {
	s := newMetadataService(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, DatabaseMetadata{Name: "docs", Owner: "alice"}))

	desc := "project documents"
	count := 42
	require.NoError(t, s.Update(ctx, "docs", MetadataUpdate{Description: &desc, VectorCount: &count}))

	meta, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "project documents", meta.Description)
	assert.Equal(t, 42, meta.VectorCount)

	// Identity fields survive updates.
	assert.Equal(t, "alice", meta.Owner)
	assert.Equal(t, "docs", meta.Name)
}

func TestMetadataService_Touch(t *testing.T) {
	s := newMetadataService(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, DatabaseMetadata{Name: "docs", Owner: "alice"}))
	before, err := s.Get(ctx, "docs")
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, "docs"))
	after, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, after.LastAccessedAt.Before(before.LastAccessedAt))
}

func TestMetadataService_DeleteAndList(t *testing.T) {
	s := newMetadataService(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, DatabaseMetadata{Name: "a", Owner: "alice"}))
	require.NoError(t, s.Create(ctx, DatabaseMetadata{Name: "b", Owner: "bob"}))

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)

	require.NoError(t, s.Delete(ctx, "a"))
	assert.ErrorIs(t, s.Delete(ctx, "a"), ErrDatabaseNotFound)

	all, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].Name)
}
