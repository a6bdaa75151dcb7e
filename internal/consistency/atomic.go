package consistency

import (
	"context"
	"fmt"
	"sync"
)

// Step is one unit of an atomic operation sequence.
type Step struct {
	ID  string
	Run func(ctx context.Context) error
}

// Executor runs step sequences with all-or-nothing completion tracking.
// After a successful ExecuteAtomic the ledger holds every step ID; after
// a failure the ledger is empty, so callers never observe a half-done
// sequence as complete.
type Executor struct {
	mu        sync.Mutex
	completed []string
}

// NewExecutor creates an atomic step executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// ExecuteAtomic runs the steps in order. The first failure stops the
// sequence, clears the completion ledger, and returns the step's error
// wrapped with its ID and position.
func (e *Executor) ExecuteAtomic(ctx context.Context, steps []Step) error {
	e.mu.Lock()
	e.completed = e.completed[:0]
	e.mu.Unlock()

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			e.clear()
			return fmt.Errorf("step %q (%d/%d): %w", step.ID, i+1, len(steps), err)
		}
		if err := step.Run(ctx); err != nil {
			e.clear()
			return fmt.Errorf("step %q (%d/%d): %w", step.ID, i+1, len(steps), err)
		}
		e.mu.Lock()
		e.completed = append(e.completed, step.ID)
		e.mu.Unlock()
	}
	return nil
}

// Completed returns the IDs of steps completed by the last successful
// run, in execution order.
func (e *Executor) Completed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.completed))
	copy(out, e.completed)
	return out
}

func (e *Executor) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = e.completed[:0]
}
