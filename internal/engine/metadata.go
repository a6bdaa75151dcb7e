package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/kv"
)

var (
	// ErrDatabaseExists indicates a create against a taken name.
	ErrDatabaseExists = errors.New("database already exists")

	// ErrDatabaseNotFound indicates an unknown database name.
	ErrDatabaseNotFound = errors.New("database not found")
)

// DatabaseMetadata describes one vector database. Name, Owner, and
// CreatedAt are fixed at creation; Update refuses to change them.
type DatabaseMetadata struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Owner          string    `json:"owner"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	VectorCount    int       `json:"vector_count"`
	StorageSize    int64     `json:"storage_size"`

	// Config is the session configuration the database was created
	// with; sessions reopened later inherit it.
	Config *SessionConfig `json:"session_config,omitempty"`
}

// MetadataUpdate carries the mutable fields for Update. Nil pointers
// leave the field untouched.
type MetadataUpdate struct {
	Type        *string
	Description *string
	VectorCount *int
	StorageSize *int64
}

// MetadataService persists database metadata through a kv.Store.
type MetadataService struct {
	store  kv.Store
	logger *zap.Logger
}

// NewMetadataService creates a metadata service over the store.
func NewMetadataService(store kv.Store, logger *zap.Logger) (*MetadataService, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataService{store: store, logger: logger}, nil
}

func metadataKey(name string) string {
	return "meta/" + name
}

// Create registers a new database. Names are unique.
func (s *MetadataService) Create(ctx context.Context, meta DatabaseMetadata) error {
	if meta.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if _, err := s.store.Get(ctx, metadataKey(meta.Name)); err == nil {
		return fmt.Errorf("%w: %q", ErrDatabaseExists, meta.Name)
	} else if !errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("checking database existence: %w", err)
	}

	now := time.Now()
	meta.CreatedAt = now
	meta.LastAccessedAt = now
	return s.put(ctx, meta)
}

// Get returns the database's metadata.
func (s *MetadataService) Get(ctx context.Context, name string) (*DatabaseMetadata, error) {
	data, err := s.store.Get(ctx, metadataKey(name))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrDatabaseNotFound, name)
		}
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	var meta DatabaseMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &meta, nil
}

// Update applies the mutable fields. Identity fields never change.
func (s *MetadataService) Update(ctx context.Context, name string, update MetadataUpdate) error {
	meta, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	if update.Type != nil {
		meta.Type = *update.Type
	}
	if update.Description != nil {
		meta.Description = *update.Description
	}
	if update.VectorCount != nil {
		meta.VectorCount = *update.VectorCount
	}
	if update.StorageSize != nil {
		meta.StorageSize = *update.StorageSize
	}
	meta.LastAccessedAt = time.Now()
	return s.put(ctx, *meta)
}

// Touch bumps the database's last-accessed timestamp.
func (s *MetadataService) Touch(ctx context.Context, name string) error {
	meta, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	meta.LastAccessedAt = time.Now()
	return s.put(ctx, *meta)
}

// Delete removes the database's metadata.
func (s *MetadataService) Delete(ctx context.Context, name string) error {
	if _, err := s.Get(ctx, name); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, metadataKey(name)); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}

// List returns metadata for every database, ordered by name.
func (s *MetadataService) List(ctx context.Context) ([]DatabaseMetadata, error) {
	keys, err := s.store.List(ctx, "meta/")
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}

	out := make([]DatabaseMetadata, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading %q: %w", key, err)
		}
		var meta DatabaseMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("skipping undecodable metadata",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (s *MetadataService) put(ctx context.Context, meta DatabaseMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("serializing metadata: %w", err)
	}
	if err := s.store.Put(ctx, metadataKey(meta.Name), data); err != nil {
		return fmt.Errorf("storing metadata: %w", err)
	}
	return nil
}
