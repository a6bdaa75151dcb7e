// Package permissions enforces per-database role-based access control.
// Grants are durable through a kv.Store and every access decision can be
// audited via Manager.
package permissions

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
	// ErrPermissionNotFound indicates no grant exists for the user on
	// the database.
	ErrPermissionNotFound = errors.New("permission not found")

	// ErrPermissionDenied indicates the user's role does not allow the
	// action.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidRole indicates an unknown role name.
	ErrInvalidRole = errors.New("invalid role")
)

// Role is a user's standing on a database.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleWriter, RoleReader:
		return true
	}
	return false
}

// Action is an operation a caller wants to perform.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Allows reports whether the role permits the action. Any role reads;
// only owners and writers write.
func (r Role) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return r.Valid()
	case ActionWrite:
		return r == RoleOwner || r == RoleWriter
	}
	return false
}

// Grant records one user's role on one database.
type Grant struct {
	DatabaseID string    `json:"database_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	GrantedBy  string    `json:"granted_by"`
	GrantedAt  time.Time `json:"granted_at"`
}

// Service stores and evaluates grants.
type Service struct {
	store  kv.Store
	logger *zap.Logger
}

// NewService creates a permission service over the store.
func NewService(store kv.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger}, nil
}

func grantKey(databaseID, userID string) string {
	return "perm/" + databaseID + "/" + userID
}

// Grant assigns the role to the user on the database, replacing any
// existing grant.
func (s *Service) Grant(ctx context.Context, databaseID, userID string, role Role, grantedBy string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	grant := Grant{
		DatabaseID: databaseID,
		UserID:     userID,
		Role:       role,
		GrantedBy:  grantedBy,
		GrantedAt:  time.Now(),
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("serializing grant: %w", err)
	}
	if err := s.store.Put(ctx, grantKey(databaseID, userID), data); err != nil {
		return fmt.Errorf("storing grant: %w", err)
	}

	s.logger.Info("permission granted",
		zap.String("database_id", databaseID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("granted_by", grantedBy))
	return nil
}

// Revoke removes the user's grant on the database.
func (s *Service) Revoke(ctx context.Context, databaseID, userID string) error {
	key := grantKey(databaseID, userID)
	if _, err := s.store.Get(ctx, key); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return fmt.Errorf("%w: user %q on database %q", ErrPermissionNotFound, userID, databaseID)
		}
		return fmt.Errorf("loading grant: %w", err)
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}

	s.logger.Info("permission revoked",
		zap.String("database_id", databaseID),
		zap.String("user_id", userID))
	return nil
}

// GetRole returns the user's role on the database.
func (s *Service) GetRole(ctx context.Context, databaseID, userID string) (Role, error) {
	data, err := s.store.Get(ctx, grantKey(databaseID, userID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: user %q on database %q", ErrPermissionNotFound, userID, databaseID)
		}
		return "", fmt.Errorf("loading grant: %w", err)
	}
	var grant Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return "", fmt.Errorf("decoding grant: %w", err)
	}
	return grant.Role, nil
}

// Check returns nil when the user's role allows the action. A missing
// grant is ErrPermissionDenied, not ErrPermissionNotFound, so callers
// treat absence and insufficiency alike.
func (s *Service) Check(ctx context.Context, databaseID, userID string, action Action) error {
	role, err := s.GetRole(ctx, databaseID, userID)
	if err != nil {
		if errors.Is(err, ErrPermissionNotFound) {
			return fmt.Errorf("%w: user %q has no access to database %q", ErrPermissionDenied, userID, databaseID)
		}
		return err
	}
	if !role.Allows(action) {
		return fmt.Errorf("%w: role %q cannot %s database %q", ErrPermissionDenied, role, action, databaseID)
	}
	return nil
}

// List returns every grant on the database.
func (s *Service) List(ctx context.Context, databaseID string) ([]Grant, error) {
	keys, err := s.store.List(ctx, "perm/"+databaseID+"/")
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}

	grants := make([]Grant, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading grant %q: %w", key, err)
		}
		var grant Grant
		if err := json.Unmarshal(data, &grant); err != nil {
			s.logger.Warn("skipping undecodable grant",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

// RevokeAll removes every grant on the database. Used when a database is
// destroyed.
func (s *Service) RevokeAll(ctx context.Context, databaseID string) error {
	keys, err := s.store.List(ctx, "perm/"+databaseID+"/")
	if err != nil {
		return fmt.Errorf("listing grants: %w", err)
	}
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
			return fmt.Errorf("deleting grant %q: %w", key, err)
		}
	}
	return nil
}
