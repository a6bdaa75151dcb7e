package consistency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_GrowthIsHealthy(t *testing.T) {
	c := NewChecker(CheckerConfig{}, nil, nil)
	ctx := context.Background()

	for _, count := range []int{0, 5, 10} {
		result := c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: count, MetadataCount: count})
		assert.True(t, result.OK())
	}

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Checks)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestChecker_CountRegression(t *testing.T) {
	c := NewChecker(CheckerConfig{}, nil, nil)
	ctx := context.Background()

	c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 10, MetadataCount: 10})
	result := c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 7, MetadataCount: 7})

	require.Len(t, result.Issues, 1)
	assert.Equal(t, IssueCountRegression, result.Issues[0].Kind)
	assert.Empty(t, result.Repairs)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestChecker_AcknowledgedDeleteIsNotRegression(t *testing.T) {
	c := NewChecker(CheckerConfig{}, nil, nil)
	ctx := context.Background()

	c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 10, MetadataCount: 10})
	c.AcknowledgeDelete("db1", 3)

	result := c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 7, MetadataCount: 7})
	assert.True(t, result.OK())

	// The acknowledgement is consumed; a further drop is a regression.
	result = c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 4, MetadataCount: 4})
	assert.False(t, result.OK())
}

func TestChecker_CountMismatch(t *testing.T) {
	c := NewChecker(CheckerConfig{}, nil, nil)

	result := c.CheckState(context.Background(), Snapshot{DatabaseID: "db1", Count: 5, MetadataCount: 3})
	require.Len(t, result.Issues, 1)
	assert.Equal(t, IssueCountMismatch, result.Issues[0].Kind)
}

func TestChecker_AutoRepair(t *testing.T) {
	var observed []string
	observer := func(databaseID, repair string) {
		observed = append(observed, databaseID+": "+repair)
	}
	c := NewChecker(CheckerConfig{AutoRepair: true}, nil, observer)
	ctx := context.Background()

	c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 10, MetadataCount: 10})
	result := c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 7, MetadataCount: 7})

	require.Len(t, result.Repairs, 1)
	require.Len(t, observed, 1)
	assert.Contains(t, observed[0], "db1")
	assert.Equal(t, int64(1), c.Stats().Repairs)

	// The baseline resynced: holding at 7 is now healthy.
	result = c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 7, MetadataCount: 7})
	assert.True(t, result.OK())
}

func TestChecker_DatabasesAreIndependent(t *testing.T) {
	c := NewChecker(CheckerConfig{}, nil, nil)
	ctx := context.Background()

	c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: 10, MetadataCount: 10})
	result := c.CheckState(ctx, Snapshot{DatabaseID: "db2", Count: 2, MetadataCount: 2})
	assert.True(t, result.OK())
}

func TestChecker_HistoryBounded(t *testing.T) {
	c := NewChecker(CheckerConfig{HistoryLimit: 3}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.CheckState(ctx, Snapshot{DatabaseID: "db1", Count: i, MetadataCount: i})
	}

	history := c.History()
	require.Len(t, history, 3)
	assert.Equal(t, int64(5), c.Stats().Checks)
}

func TestExecutor_ExecuteAtomic(t *testing.T) {
	e := NewExecutor()
	var ran []string
	step := func(id string, err error) Step {
		return Step{ID: id, Run: func(ctx context.Context) error {
			ran = append(ran, id)
			return err
		}}
	}

	err := e.ExecuteAtomic(context.Background(), []Step{
		step("validate", nil),
		step("write", nil),
		step("verify", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "write", "verify"}, e.Completed())

	// A mid-sequence failure stops later steps and clears the ledger.
	ran = nil
	boom := errors.New("disk full")
	err = e.ExecuteAtomic(context.Background(), []Step{
		step("validate", nil),
		step("write", boom),
		step("verify", nil),
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `step "write" (2/3)`)
	assert.Equal(t, []string{"validate", "write"}, ran)
	assert.Empty(t, e.Completed())
}

func TestExecutor_ContextCancellation(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	err := e.ExecuteAtomic(ctx, []Step{
		{ID: "cancel", Run: func(ctx context.Context) error {
			cancel()
			return nil
		}},
		{ID: "never", Run: func(ctx context.Context) error {
			t.Fatal("step ran after cancellation")
			return nil
		}},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, e.Completed())
}
