package engine

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// SessionConfig tunes a session's database. It is persisted with the
// database metadata so sessions reopened after a restart keep their
// settings.
type SessionConfig struct {
	// Dimension is the embedding width. Defaults to
	// vectorstore.DefaultDimension.
	Dimension int `json:"dimension"`

	// ChunkSize is the batch size for bulk ingestion. Defaults to 100.
	ChunkSize int `json:"chunk_size"`

	// CacheBudget caps the database's search cache entries. Zero means
	// unbounded within the engine-wide cache limit.
	CacheBudget int `json:"cache_budget"`

	// EncryptAtRest asks the storage backend to encrypt persisted data.
	EncryptAtRest bool `json:"encrypt_at_rest"`

	// StorageEndpoint points at a remote index when the backend needs
	// one.
	StorageEndpoint string `json:"storage_endpoint,omitempty"`
}

// ApplyDefaults fills in default values for unset fields.
func (c *SessionConfig) ApplyDefaults() {
	if c.Dimension == 0 {
		c.Dimension = vectorstore.DefaultDimension
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 100
	}
}

// Validate checks the configuration. Call after ApplyDefaults.
func (c *SessionConfig) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.CacheBudget < 0 {
		return fmt.Errorf("cache budget cannot be negative, got %d", c.CacheBudget)
	}
	if c.StorageEndpoint != "" {
		u, err := url.Parse(c.StorageEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("storage endpoint %q is not a valid URL", c.StorageEndpoint)
		}
	}
	return nil
}

// isZero reports whether no field was set, so a stored configuration
// can take over.
func (c SessionConfig) isZero() bool {
	return c == SessionConfig{}
}

// Session binds a caller to one database. Callers run one writer per
// session; the engine serializes only its own bookkeeping.
type Session struct {
	ID           string
	Database     string
	Config       SessionConfig
	CreatedAt    time.Time
	LastAccessAt time.Time

	mu      sync.RWMutex
	status  SessionStatus
	records map[string]vectorstore.Record
}

// Status returns the session's lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) setStatus(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// touch bumps the last-access timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessAt = time.Now()
}

// recordCount returns the number of registered records.
func (s *Session) recordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// getRecord returns a registered record by id.
func (s *Session) getRecord(id string) (vectorstore.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// putRecords registers records, replacing by id.
func (s *Session) putRecords(records []vectorstore.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.records[rec.ID] = rec
	}
}

// removeRecords drops records by id.
func (s *Session) removeRecords(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
}

// matchRecords returns the ids of records whose metadata matches the
// filter.
func (s *Session) matchRecords(filter *vectorstore.Filter) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.records {
		if filter.Matches(rec.Metadata) {
			ids = append(ids, id)
		}
	}
	return ids
}

// snapshotRecords copies the registry for checkpointing.
func (s *Session) snapshotRecords() map[string]vectorstore.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]vectorstore.Record, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// replaceRecords swaps in a restored registry.
func (s *Session) replaceRecords(records map[string]vectorstore.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}
