// Package recovery provides checkpoint-based state recovery. State is
// snapshotted per key into bounded rings, restored on demand, and an
// operation journal records work in flight so crashes leave a visible
// trail.
package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/kv"
)

var (
	// ErrCheckpointNotFound indicates no checkpoint exists for the key or id.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrInvalidState indicates a restore candidate failed validation.
	ErrInvalidState = errors.New("invalid checkpoint state")

	// ErrOperationNotFound indicates an unknown operation id.
	ErrOperationNotFound = errors.New("operation not found")
)

// DefaultMaxPerKey bounds checkpoints retained per key.
const DefaultMaxPerKey = 10

// Checkpoint is one snapshot of a key's state.
type Checkpoint struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	State     any            `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SizeBytes int            `json:"size_bytes"`
	Checksum  string         `json:"checksum"`
	CreatedAt time.Time      `json:"created_at"`
}

// CheckpointInfo describes a checkpoint without exposing its state.
type CheckpointInfo struct {
	ID        string
	Key       string
	SizeBytes int
	Checksum  string
	CreatedAt time.Time
	Age       time.Duration
	Metadata  map[string]any
}

// Validator approves a state before Restore hands it back.
type Validator func(state any) error

// Config holds recovery manager configuration.
type Config struct {
	// MaxPerKey bounds checkpoints per key; the oldest is dropped at
	// capacity. Defaults to 10.
	MaxPerKey int

	// Store, when set, receives a durable copy of every checkpoint
	// under "checkpoint/<key>/<id>".
	Store kv.Store

	// Validate, when set, gates every Restore.
	Validate Validator
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxPerKey == 0 {
		c.MaxPerKey = DefaultMaxPerKey
	}
}

// Operation is a journaled unit of work.
type Operation struct {
	ID        string
	Name      string
	Key       string
	StartedAt time.Time
}

// Manager creates, retains, and restores checkpoints.
type Manager struct {
	config Config
	logger *zap.Logger

	mu          sync.Mutex
	checkpoints map[string][]*Checkpoint // per key, oldest first
	operations  map[string]Operation
}

// NewManager creates a recovery manager.
func NewManager(config Config, logger *zap.Logger) *Manager {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:      config,
		logger:      logger,
		checkpoints: make(map[string][]*Checkpoint),
		operations:  make(map[string]Operation),
	}
}

// cloneState deep-copies a state value through JSON so checkpoints never
// alias live data. The serialized form is returned alongside so callers
// can size and fingerprint the snapshot without a second pass.
func cloneState(state any) (any, []byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, nil, fmt.Errorf("serializing state: %w", err)
	}
	var clone any
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, nil, fmt.Errorf("deserializing state: %w", err)
	}
	return clone, data, nil
}

// Checkpoint snapshots the key's state. The oldest checkpoint is dropped
// once the per-key ring is full.
func (m *Manager) Checkpoint(ctx context.Context, key string, state any, metadata map[string]any) (*Checkpoint, error) {
	if key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}

	clone, data, err := cloneState(state)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	cp := &Checkpoint{
		ID:        uuid.New().String(),
		Key:       key,
		State:     clone,
		Metadata:  metadata,
		SizeBytes: len(data),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	ring := append(m.checkpoints[key], cp)
	var evicted []*Checkpoint
	if len(ring) > m.config.MaxPerKey {
		evicted = ring[:len(ring)-m.config.MaxPerKey]
		ring = ring[len(ring)-m.config.MaxPerKey:]
	}
	m.checkpoints[key] = ring
	m.mu.Unlock()

	if m.config.Store != nil {
		for _, old := range evicted {
			if err := m.config.Store.Delete(ctx, "checkpoint/"+key+"/"+old.ID); err != nil {
				m.logger.Warn("evicted checkpoint delete failed",
					zap.String("key", key),
					zap.String("checkpoint_id", old.ID),
					zap.Error(err))
			}
		}
	}

	if m.config.Store != nil {
		data, err := json.Marshal(cp)
		if err == nil {
			err = m.config.Store.Put(ctx, "checkpoint/"+key+"/"+cp.ID, data)
		}
		if err != nil {
			m.logger.Warn("checkpoint write-through failed",
				zap.String("key", key),
				zap.String("checkpoint_id", cp.ID),
				zap.Error(err))
		}
	}

	return cp, nil
}

// Latest returns the newest checkpoint for the key.
func (m *Manager) Latest(key string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.checkpoints[key]
	if len(ring) == 0 {
		return nil, fmt.Errorf("%w: key %q", ErrCheckpointNotFound, key)
	}
	return ring[len(ring)-1], nil
}

// Get returns the checkpoint with the given id under the key.
func (m *Manager) Get(key, id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cp := range m.checkpoints[key] {
		if cp.ID == id {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: key %q id %q", ErrCheckpointNotFound, key, id)
}

// History returns the key's checkpoints, oldest first.
func (m *Manager) History(key string) []*Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Checkpoint, len(m.checkpoints[key]))
	copy(out, m.checkpoints[key])
	return out
}

// Metadata describes the checkpoint without exposing its state.
func (m *Manager) Metadata(key, id string) (*CheckpointInfo, error) {
	cp, err := m.Get(key, id)
	if err != nil {
		return nil, err
	}
	return &CheckpointInfo{
		ID:        cp.ID,
		Key:       cp.Key,
		SizeBytes: cp.SizeBytes,
		Checksum:  cp.Checksum,
		CreatedAt: cp.CreatedAt,
		Age:       time.Since(cp.CreatedAt),
		Metadata:  cp.Metadata,
	}, nil
}

// Validate runs the configured validator against a checkpoint's state.
func (m *Manager) Validate(key, id string) error {
	cp, err := m.Get(key, id)
	if err != nil {
		return err
	}
	if m.config.Validate == nil {
		return nil
	}
	if err := m.config.Validate(cp.State); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return nil
}

// Restore returns a fresh clone of the checkpoint's state so the caller
// can mutate it without corrupting the retained snapshot. An empty id
// restores the latest checkpoint.
func (m *Manager) Restore(key, id string) (any, error) {
	var cp *Checkpoint
	var err error
	if id == "" {
		cp, err = m.Latest(key)
	} else {
		cp, err = m.Get(key, id)
	}
	if err != nil {
		return nil, err
	}

	if m.config.Validate != nil {
		if verr := m.config.Validate(cp.State); verr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, verr)
		}
	}
	clone, _, err := cloneState(cp.State)
	return clone, err
}

// ExecuteWithRollback checkpoints the state, runs fn, and on failure
// returns the pre-operation state alongside the error so the caller can
// reinstate it.
func (m *Manager) ExecuteWithRollback(ctx context.Context, key string, state any, fn func(ctx context.Context) error) (any, error) {
	cp, err := m.Checkpoint(ctx, key, state, map[string]any{"reason": "pre-operation"})
	if err != nil {
		return nil, fmt.Errorf("creating rollback checkpoint: %w", err)
	}

	if err := fn(ctx); err != nil {
		restored, rerr := m.Restore(key, cp.ID)
		if rerr != nil {
			return nil, fmt.Errorf("operation failed (%v) and rollback failed: %w", err, rerr)
		}
		m.logger.Warn("operation rolled back",
			zap.String("key", key),
			zap.String("checkpoint_id", cp.ID),
			zap.Error(err))
		return restored, err
	}
	return nil, nil
}

// BeginOperation journals an operation in flight and returns its id.
func (m *Manager) BeginOperation(name, key string) string {
	op := Operation{
		ID:        uuid.New().String(),
		Name:      name,
		Key:       key,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()
	return op.ID
}

// CompleteOperation removes the operation from the journal.
func (m *Manager) CompleteOperation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.operations[id]; !ok {
		return fmt.Errorf("%w: %q", ErrOperationNotFound, id)
	}
	delete(m.operations, id)
	return nil
}

// IncompleteOperations returns operations begun but never completed,
// oldest first.
func (m *Manager) IncompleteOperations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Operation, 0, len(m.operations))
	for _, op := range m.operations {
		out = append(out, op)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.Before(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Cleanup drops checkpoints older than the retention window and returns
// how many were removed.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, ring := range m.checkpoints {
		kept := ring[:0]
		for _, cp := range ring {
			if cp.CreatedAt.After(cutoff) {
				kept = append(kept, cp)
				continue
			}
			removed++
			if m.config.Store != nil {
				if err := m.config.Store.Delete(ctx, "checkpoint/"+key+"/"+cp.ID); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
					m.logger.Warn("checkpoint cleanup delete failed",
						zap.String("key", key),
						zap.String("checkpoint_id", cp.ID),
						zap.Error(err))
				}
			}
		}
		if len(kept) == 0 {
			delete(m.checkpoints, key)
			continue
		}
		m.checkpoints[key] = kept
	}
	return removed
}

// LoadFromStore rebuilds the in-memory rings from the write-through
// store, so checkpoints survive a process restart. Call once at
// startup; loaded rings replace any in-memory checkpoints for the same
// key. Entries that fail to decode are skipped with a warning.
func (m *Manager) LoadFromStore(ctx context.Context) (int, error) {
	if m.config.Store == nil {
		return 0, nil
	}

	keys, err := m.config.Store.List(ctx, "checkpoint/")
	if err != nil {
		return 0, fmt.Errorf("listing stored checkpoints: %w", err)
	}

	byKey := make(map[string][]*Checkpoint)
	for _, storeKey := range keys {
		data, err := m.config.Store.Get(ctx, storeKey)
		if err != nil {
			m.logger.Warn("checkpoint load failed", zap.String("store_key", storeKey), zap.Error(err))
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil || cp.Key == "" || cp.ID == "" {
			m.logger.Warn("checkpoint decode failed", zap.String("store_key", storeKey), zap.Error(err))
			continue
		}
		byKey[cp.Key] = append(byKey[cp.Key], &cp)
	}

	loaded := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ring := range byKey {
		for i := 1; i < len(ring); i++ {
			for j := i; j > 0 && ring[j].CreatedAt.Before(ring[j-1].CreatedAt); j-- {
				ring[j], ring[j-1] = ring[j-1], ring[j]
			}
		}
		if len(ring) > m.config.MaxPerKey {
			ring = ring[len(ring)-m.config.MaxPerKey:]
		}
		m.checkpoints[key] = ring
		loaded += len(ring)
	}
	return loaded, nil
}

// ClearKey drops every checkpoint for the key.
func (m *Manager) ClearKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, key)
}

// ClearAll drops every checkpoint for every key.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = make(map[string][]*Checkpoint)
}
