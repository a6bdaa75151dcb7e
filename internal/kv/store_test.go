package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetPutDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Put(ctx, "a", []byte("one")))
	v, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	// Overwrite
	require.NoError(t, store.Put(ctx, "a", []byte("two")))
	v, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	// Deleting twice is fine
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemory_ReturnedValueIsACopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	require.NoError(t, store.Put(ctx, "k", []byte("abc")))

	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 'X'

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestMemory_ListPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	defer store.Close()

	require.NoError(t, store.Put(ctx, "perm/docs/alice", []byte("owner")))
	require.NoError(t, store.Put(ctx, "perm/docs/bob", []byte("reader")))
	require.NoError(t, store.Put(ctx, "perm/other/carol", []byte("writer")))
	require.NoError(t, store.Put(ctx, "meta/docs", []byte("{}")))

	keys, err := store.List(ctx, "perm/docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"perm/docs/alice", "perm/docs/bob"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemory_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Put(ctx, "k", nil), ErrStoreClosed)
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenSQLite(SQLiteConfig{Path: dir + "/test.db"}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, "meta/docs", []byte(`{"name":"docs"}`)))
	require.NoError(t, store.Put(ctx, "meta/notes", []byte(`{"name":"notes"}`)))

	v, err := store.Get(ctx, "meta/docs")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"docs"}`, string(v))

	keys, err := store.List(ctx, "meta/")
	require.NoError(t, err)
	assert.Equal(t, []string{"meta/docs", "meta/notes"}, keys)

	require.NoError(t, store.Delete(ctx, "meta/docs"))
	_, err = store.Get(ctx, "meta/docs")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSQLite_ApplyDefaults(t *testing.T) {
	var cfg SQLiteConfig
	cfg.ApplyDefaults()

	assert.Equal(t, "WAL", cfg.JournalMode)
	assert.Equal(t, 5000, cfg.BusyTimeout)
	assert.NotEmpty(t, cfg.Path)
}
