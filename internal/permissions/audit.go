package permissions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEntry records one access decision.
type AuditEntry struct {
	Timestamp  time.Time
	DatabaseID string
	UserID     string
	Action     string
	Allowed    bool
	Detail     string
}

// AuditLogger keeps an append-only, chronological record of access
// decisions.
type AuditLogger struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries []AuditEntry
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger}
}

// Record appends an entry.
func (a *AuditLogger) Record(databaseID, userID, action string, allowed bool, detail string) {
	entry := AuditEntry{
		Timestamp:  time.Now(),
		DatabaseID: databaseID,
		UserID:     userID,
		Action:     action,
		Allowed:    allowed,
		Detail:     detail,
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	a.logger.Debug("audit",
		zap.String("database_id", databaseID),
		zap.String("user_id", userID),
		zap.String("action", action),
		zap.Bool("allowed", allowed))
}

// All returns every entry in chronological order.
func (a *AuditLogger) All() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// ByDatabase returns entries for one database, in chronological order.
func (a *AuditLogger) ByDatabase(databaseID string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []AuditEntry
	for _, e := range a.entries {
		if e.DatabaseID == databaseID {
			out = append(out, e)
		}
	}
	return out
}

// ByUser returns entries for one user, in chronological order.
func (a *AuditLogger) ByUser(userID string) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []AuditEntry
	for _, e := range a.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// Manager couples permission checks with mandatory auditing. Every
// grant, revoke, and check lands in the audit trail whether it succeeds
// or not.
type Manager struct {
	service *Service
	audit   *AuditLogger
}

// NewManager creates an audited permission manager.
func NewManager(service *Service, audit *AuditLogger) *Manager {
	if audit == nil {
		audit = NewAuditLogger(nil)
	}
	return &Manager{service: service, audit: audit}
}

// Audit exposes the underlying audit trail.
func (m *Manager) Audit() *AuditLogger { return m.audit }

// Service exposes the underlying permission service.
func (m *Manager) Service() *Service { return m.service }

// Grant assigns a role and audits the attempt.
func (m *Manager) Grant(ctx context.Context, databaseID, userID string, role Role, grantedBy string) error {
	err := m.service.Grant(ctx, databaseID, userID, role, grantedBy)
	detail := "role " + string(role) + " granted by " + grantedBy
	if err != nil {
		detail = err.Error()
	}
	m.audit.Record(databaseID, userID, "grant", err == nil, detail)
	return err
}

// Revoke removes a grant and audits the attempt.
func (m *Manager) Revoke(ctx context.Context, databaseID, userID string) error {
	err := m.service.Revoke(ctx, databaseID, userID)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	m.audit.Record(databaseID, userID, "revoke", err == nil, detail)
	return err
}

// Check evaluates an action and audits the decision.
func (m *Manager) Check(ctx context.Context, databaseID, userID string, action Action) error {
	err := m.service.Check(ctx, databaseID, userID, action)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	m.audit.Record(databaseID, userID, string(action), err == nil, detail)
	return err
}
