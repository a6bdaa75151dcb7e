package consistency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistoryLimit bounds the in-memory check history.
const DefaultHistoryLimit = 100

// Snapshot is the observed state of a database at check time.
type Snapshot struct {
	DatabaseID    string
	Count         int
	MetadataCount int
}

// Issue describes one detected inconsistency.
type Issue struct {
	Kind    string
	Message string
}

// Issue kinds.
const (
	IssueCountRegression = "count_regression"
	IssueCountMismatch   = "count_mismatch"
)

// Result is the outcome of one state check.
type Result struct {
	DatabaseID string
	CheckedAt  time.Time
	Issues     []Issue
	Repairs    []string
}

// OK reports whether the check found no issues.
func (r Result) OK() bool { return len(r.Issues) == 0 }

// Observer is notified of each repair the checker performs.
type Observer func(databaseID, repair string)

// CheckerConfig holds checker configuration.
type CheckerConfig struct {
	// AutoRepair lets the checker resynchronize its expected count when
	// a regression is detected, instead of only reporting it.
	AutoRepair bool

	// HistoryLimit bounds retained check results. Defaults to 100.
	HistoryLimit int
}

// ApplyDefaults fills in default values for unset fields.
func (c *CheckerConfig) ApplyDefaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// CheckerStats summarizes check outcomes.
type CheckerStats struct {
	Checks      int64
	Failures    int64
	Repairs     int64
	SuccessRate float64
}

// Checker tracks per-database vector counts across checks and flags
// state that moves backwards without an acknowledged delete.
type Checker struct {
	config   CheckerConfig
	logger   *zap.Logger
	observer Observer

	mu       sync.Mutex
	expected map[string]int // last known good count per database
	pending  map[string]int // acknowledged deletions not yet observed
	history  []Result
	checks   int64
	failures int64
	repairs  int64
}

// NewChecker creates a state checker.
func NewChecker(config CheckerConfig, logger *zap.Logger, observer Observer) *Checker {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		config:   config,
		logger:   logger,
		observer: observer,
		expected: make(map[string]int),
		pending:  make(map[string]int),
	}
}

// Reset forgets the database's baseline, so the next check adopts
// whatever count it observes. Used after a state restore.
func (c *Checker) Reset(databaseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expected, databaseID)
	delete(c.pending, databaseID)
}

// AcknowledgeDelete informs the checker that n vectors were deliberately
// removed from the database, so the next count drop of up to n is not a
// regression.
func (c *Checker) AcknowledgeDelete(databaseID string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[databaseID] += n
}

// CheckState compares the snapshot against the last known state. Counts
// may grow freely; shrinking is a regression unless covered by an
// acknowledged delete. A count/metadata mismatch is always an issue.
func (c *Checker) CheckState(ctx context.Context, snap Snapshot) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := Result{DatabaseID: snap.DatabaseID, CheckedAt: time.Now()}

	if snap.Count != snap.MetadataCount {
		result.Issues = append(result.Issues, Issue{
			Kind: IssueCountMismatch,
			Message: fmt.Sprintf("index count %d does not match metadata count %d",
				snap.Count, snap.MetadataCount),
		})
	}

	expected, known := c.expected[snap.DatabaseID]
	allowed := expected - c.pending[snap.DatabaseID]
	if known && snap.Count < allowed {
		result.Issues = append(result.Issues, Issue{
			Kind: IssueCountRegression,
			Message: fmt.Sprintf("count dropped from %d to %d with %d acknowledged deletions",
				expected, snap.Count, c.pending[snap.DatabaseID]),
		})
		if c.config.AutoRepair {
			repair := fmt.Sprintf("resynced expected count %d -> %d", expected, snap.Count)
			result.Repairs = append(result.Repairs, repair)
			c.repairs++
			if c.observer != nil {
				c.observer(snap.DatabaseID, repair)
			}
			c.logger.Warn("auto-repaired count regression",
				zap.String("database_id", snap.DatabaseID),
				zap.Int("expected", expected),
				zap.Int("observed", snap.Count))
		}
	}

	// Adopt the observed count as the new baseline; acknowledged
	// deletions are consumed once observed or repaired.
	if !known || snap.Count >= allowed || c.config.AutoRepair {
		c.expected[snap.DatabaseID] = snap.Count
		delete(c.pending, snap.DatabaseID)
	}

	c.checks++
	if !result.OK() {
		c.failures++
	}

	c.history = append(c.history, result)
	if len(c.history) > c.config.HistoryLimit {
		c.history = c.history[len(c.history)-c.config.HistoryLimit:]
	}

	return result
}

// History returns a copy of retained check results, oldest first.
func (c *Checker) History() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.history))
	copy(out, c.history)
	return out
}

// Stats summarizes check outcomes so far.
func (c *Checker) Stats() CheckerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CheckerStats{Checks: c.checks, Failures: c.failures, Repairs: c.repairs}
	if c.checks > 0 {
		stats.SuccessRate = float64(c.checks-c.failures) / float64(c.checks)
	}
	return stats
}
