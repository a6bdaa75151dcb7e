// Package sharing grants database access to other users, either through
// directed invitations or bearer share tokens. Accepted invitations and
// redeemed tokens materialize as permission grants.
package sharing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/permissions"
)

var (
	// ErrInvitationNotFound indicates an unknown invitation id.
	ErrInvitationNotFound = errors.New("invitation not found")

	// ErrInvitationExpired indicates the invitation lapsed before use.
	ErrInvitationExpired = errors.New("invitation expired")

	// ErrInvitationNotPending indicates the invitation was already
	// accepted, rejected, or revoked.
	ErrInvitationNotPending = errors.New("invitation not pending")

	// ErrNotInvitee indicates someone other than the invitee acted on
	// the invitation.
	ErrNotInvitee = errors.New("only the invitee may act on this invitation")

	// ErrNotIssuer indicates someone other than the issuer tried to
	// revoke a share.
	ErrNotIssuer = errors.New("only the issuer may revoke this share")

	// ErrTokenNotFound indicates an unknown token id.
	ErrTokenNotFound = errors.New("share token not found")

	// ErrTokenInvalid indicates a bad secret.
	ErrTokenInvalid = errors.New("share token secret mismatch")

	// ErrTokenExpired indicates the token lapsed.
	ErrTokenExpired = errors.New("share token expired")

	// ErrTokenExhausted indicates the token's use budget is spent.
	ErrTokenExhausted = errors.New("share token use limit reached")

	// ErrTokenRevoked indicates the token was revoked by its issuer.
	ErrTokenRevoked = errors.New("share token revoked")
)

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	StatusPending  InvitationStatus = "pending"
	StatusAccepted InvitationStatus = "accepted"
	StatusRejected InvitationStatus = "rejected"
	StatusRevoked  InvitationStatus = "revoked"
)

// Invitation offers a role on a database to a specific user.
type Invitation struct {
	ID         string
	DatabaseID string
	InviterID  string
	InviteeID  string
	Role       permissions.Role
	Status     InvitationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Token is a bearer credential granting a role on a database. The
// Secret is returned once at creation and compared in constant time
// afterwards.
type Token struct {
	ID         string
	Secret     string
	DatabaseID string
	IssuerID   string
	Role       permissions.Role
	MaxUses    int
	Uses       int
	Revoked    bool
	CreatedAt  time.Time
	ExpiresAt  time.Time

	// grantees tracks users who redeemed the token, so revocation can
	// unwind their access.
	grantees []string
}

// Active reports whether the token can still be redeemed at the given
// time.
func (t *Token) Active(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return false
	}
	if t.MaxUses > 0 && t.Uses >= t.MaxUses {
		return false
	}
	return true
}

// Manager runs the sharing workflows on top of the permission service.
type Manager struct {
	perms  *permissions.Service
	logger *zap.Logger

	mu          sync.Mutex
	invitations map[string]*Invitation
	tokens      map[string]*Token
}

// NewManager creates a sharing manager.
func NewManager(perms *permissions.Service, logger *zap.Logger) (*Manager, error) {
	if perms == nil {
		return nil, fmt.Errorf("permission service cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		perms:       perms,
		logger:      logger,
		invitations: make(map[string]*Invitation),
		tokens:      make(map[string]*Token),
	}, nil
}

// requireOwner verifies the user owns the database.
func (m *Manager) requireOwner(ctx context.Context, databaseID, userID string) error {
	role, err := m.perms.GetRole(ctx, databaseID, userID)
	if err != nil {
		return fmt.Errorf("%w: user %q does not own database %q", permissions.ErrPermissionDenied, userID, databaseID)
	}
	if role != permissions.RoleOwner {
		return fmt.Errorf("%w: user %q does not own database %q", permissions.ErrPermissionDenied, userID, databaseID)
	}
	return nil
}

// CreateInvitation invites a user to the database with the given role.
// Only the database owner can invite.
func (m *Manager) CreateInvitation(ctx context.Context, databaseID, inviterID, inviteeID string, role permissions.Role, ttl time.Duration) (*Invitation, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", permissions.ErrInvalidRole, role)
	}
	if err := m.requireOwner(ctx, databaseID, inviterID); err != nil {
		return nil, err
	}

	inv := &Invitation{
		ID:         uuid.New().String(),
		DatabaseID: databaseID,
		InviterID:  inviterID,
		InviteeID:  inviteeID,
		Role:       role,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	if ttl > 0 {
		inv.ExpiresAt = inv.CreatedAt.Add(ttl)
	}

	m.mu.Lock()
	m.invitations[inv.ID] = inv
	m.mu.Unlock()

	m.logger.Info("invitation created",
		zap.String("invitation_id", inv.ID),
		zap.String("database_id", databaseID),
		zap.String("invitee_id", inviteeID),
		zap.String("role", string(role)))
	return inv, nil
}

// AcceptInvitation accepts a pending invitation as the invitee and
// grants the offered role.
func (m *Manager) AcceptInvitation(ctx context.Context, invitationID, userID string) error {
	m.mu.Lock()
	inv, ok := m.invitations[invitationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvitationNotFound, invitationID)
	}
	if inv.InviteeID != userID {
		m.mu.Unlock()
		return fmt.Errorf("%w: invitation %q", ErrNotInvitee, invitationID)
	}
	if !inv.ExpiresAt.IsZero() && time.Now().After(inv.ExpiresAt) {
		m.mu.Unlock()
		return fmt.Errorf("%w: invitation %q", ErrInvitationExpired, invitationID)
	}
	if inv.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: invitation %q is %s", ErrInvitationNotPending, invitationID, inv.Status)
	}
	inv.Status = StatusAccepted
	m.mu.Unlock()

	if err := m.perms.Grant(ctx, inv.DatabaseID, userID, inv.Role, inv.InviterID); err != nil {
		m.mu.Lock()
		inv.Status = StatusPending
		m.mu.Unlock()
		return fmt.Errorf("granting invited role: %w", err)
	}
	return nil
}

// RejectInvitation declines a pending invitation as the invitee.
func (m *Manager) RejectInvitation(ctx context.Context, invitationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invitations[invitationID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvitationNotFound, invitationID)
	}
	if inv.InviteeID != userID {
		return fmt.Errorf("%w: invitation %q", ErrNotInvitee, invitationID)
	}
	if inv.Status != StatusPending {
		return fmt.Errorf("%w: invitation %q is %s", ErrInvitationNotPending, invitationID, inv.Status)
	}
	inv.Status = StatusRejected
	return nil
}

// RevokeInvitation withdraws an invitation as the inviter. If it was
// already accepted, the granted permission is removed too.
func (m *Manager) RevokeInvitation(ctx context.Context, invitationID, userID string) error {
	m.mu.Lock()
	inv, ok := m.invitations[invitationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvitationNotFound, invitationID)
	}
	if inv.InviterID != userID {
		m.mu.Unlock()
		return fmt.Errorf("%w: invitation %q", ErrNotIssuer, invitationID)
	}
	wasAccepted := inv.Status == StatusAccepted
	inv.Status = StatusRevoked
	m.mu.Unlock()

	if wasAccepted {
		if err := m.perms.Revoke(ctx, inv.DatabaseID, inv.InviteeID); err != nil && !errors.Is(err, permissions.ErrPermissionNotFound) {
			return fmt.Errorf("revoking invited role: %w", err)
		}
	}
	return nil
}

// ListInvitations returns the database's invitations, newest last.
func (m *Manager) ListInvitations(databaseID string) []*Invitation {
	return m.filterInvitations(func(inv *Invitation) bool {
		return inv.DatabaseID == databaseID
	})
}

// ListInvitationsForUser returns invitations addressed to the user,
// newest last.
func (m *Manager) ListInvitationsForUser(inviteeID string) []*Invitation {
	return m.filterInvitations(func(inv *Invitation) bool {
		return inv.InviteeID == inviteeID
	})
}

func (m *Manager) filterInvitations(keep func(*Invitation) bool) []*Invitation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Invitation
	for _, inv := range m.invitations {
		if keep(inv) {
			out = append(out, inv)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// GenerateToken issues a bearer share token for the database. Only the
// owner can issue. maxUses <= 0 means unlimited; ttl <= 0 means no
// expiry.
func (m *Manager) GenerateToken(ctx context.Context, databaseID, issuerID string, role permissions.Role, maxUses int, ttl time.Duration) (*Token, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", permissions.ErrInvalidRole, role)
	}
	if err := m.requireOwner(ctx, databaseID, issuerID); err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}

	token := &Token{
		ID:         uuid.New().String(),
		Secret:     base64.RawURLEncoding.EncodeToString(secret),
		DatabaseID: databaseID,
		IssuerID:   issuerID,
		Role:       role,
		MaxUses:    maxUses,
		CreatedAt:  time.Now(),
	}
	if ttl > 0 {
		token.ExpiresAt = token.CreatedAt.Add(ttl)
	}

	m.mu.Lock()
	m.tokens[token.ID] = token
	m.mu.Unlock()

	m.logger.Info("share token issued",
		zap.String("token_id", token.ID),
		zap.String("database_id", databaseID),
		zap.String("role", string(role)),
		zap.Int("max_uses", maxUses))
	return token, nil
}

// ValidateToken reports whether the token could be redeemed right now.
// It never mutates state.
func (m *Manager) ValidateToken(tokenID, secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.tokens[tokenID]
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token.Secret), []byte(secret)) != 1 {
		return false
	}
	return token.Active(time.Now())
}

// UseToken redeems the token for the user: the token's role is granted
// and its use count incremented as one step. Unlike ValidateToken, every
// failure is a distinct hard error.
func (m *Manager) UseToken(ctx context.Context, tokenID, secret, userID string) error {
	m.mu.Lock()
	token, ok := m.tokens[tokenID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenNotFound, tokenID)
	}
	if subtle.ConstantTimeCompare([]byte(token.Secret), []byte(secret)) != 1 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenInvalid, tokenID)
	}
	if token.Revoked {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenRevoked, tokenID)
	}
	if !token.ExpiresAt.IsZero() && time.Now().After(token.ExpiresAt) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenExpired, tokenID)
	}
	if token.MaxUses > 0 && token.Uses >= token.MaxUses {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenExhausted, tokenID)
	}
	token.Uses++
	token.grantees = append(token.grantees, userID)
	m.mu.Unlock()

	if err := m.perms.Grant(ctx, token.DatabaseID, userID, token.Role, token.IssuerID); err != nil {
		m.mu.Lock()
		token.Uses--
		token.grantees = token.grantees[:len(token.grantees)-1]
		m.mu.Unlock()
		return fmt.Errorf("granting token role: %w", err)
	}
	return nil
}

// RevokeToken disables the token as its issuer and removes every grant
// made through it.
func (m *Manager) RevokeToken(ctx context.Context, tokenID, userID string) error {
	m.mu.Lock()
	token, ok := m.tokens[tokenID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTokenNotFound, tokenID)
	}
	if token.IssuerID != userID {
		m.mu.Unlock()
		return fmt.Errorf("%w: token %q", ErrNotIssuer, tokenID)
	}
	token.Revoked = true
	grantees := make([]string, len(token.grantees))
	copy(grantees, token.grantees)
	m.mu.Unlock()

	for _, grantee := range grantees {
		if err := m.perms.Revoke(ctx, token.DatabaseID, grantee); err != nil && !errors.Is(err, permissions.ErrPermissionNotFound) {
			return fmt.Errorf("revoking token grant for %q: %w", grantee, err)
		}
	}
	return nil
}

// ListTokens returns the database's tokens, optionally only those still
// redeemable.
func (m *Manager) ListTokens(databaseID string, activeOnly bool) []*Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []*Token
	for _, token := range m.tokens {
		if token.DatabaseID != databaseID {
			continue
		}
		if activeOnly && !token.Active(now) {
			continue
		}
		out = append(out, token)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
