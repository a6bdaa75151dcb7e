// Package kv defines the durable key/value store boundary.
//
// The engine treats persistence as an injected dependency: session state,
// checkpoints, database metadata, and permission records are all written
// through this interface, and the concrete format is the implementation's
// concern. Two implementations ship with the module: an in-memory store
// for tests and ephemeral sessions, and a SQLite-backed store for
// single-node durability.
package kv

import (
	"context"
	"errors"
)

// Sentinel errors for store operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is an injected key→bytes durable store.
//
// Implementations must be safe for concurrent readers; write serialization
// follows the engine's single-writer discipline and is not enforced here.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases store resources.
	Close() error
}
