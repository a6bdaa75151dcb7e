// Package consistency validates vector data integrity and detects state
// drift between a database's index and its metadata.
package consistency

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

var (
	// ErrShapeMismatch indicates a record embedding of the wrong width.
	ErrShapeMismatch = errors.New("embedding shape mismatch")

	// ErrNonUniformDimension indicates mixed embedding widths in a batch.
	ErrNonUniformDimension = errors.New("non-uniform embedding dimensions")

	// ErrBrokenReference indicates a record pointing at a missing parent.
	ErrBrokenReference = errors.New("broken parent reference")

	// ErrIndexDrift indicates index contents diverging from records.
	ErrIndexDrift = errors.New("index out of sync with records")
)

// ValidateVectorShape checks that every record embedding has the
// expected dimension.
func ValidateVectorShape(records []vectorstore.Record, dimension int) error {
	for _, rec := range records {
		if len(rec.Embedding) != dimension {
			return fmt.Errorf("%w: record %q has dimension %d, want %d",
				ErrShapeMismatch, rec.ID, len(rec.Embedding), dimension)
		}
	}
	return nil
}

// ValidateUniformDimension checks that all records share one embedding
// width, whatever it is.
func ValidateUniformDimension(records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	want := len(records[0].Embedding)
	for _, rec := range records[1:] {
		if len(rec.Embedding) != want {
			return fmt.Errorf("%w: record %q has dimension %d, others have %d",
				ErrNonUniformDimension, rec.ID, len(rec.Embedding), want)
		}
	}
	return nil
}

// FindDuplicateIDs returns the sorted set of record IDs that appear more
// than once.
func FindDuplicateIDs(records []vectorstore.Record) []string {
	counts := make(map[string]int, len(records))
	for _, rec := range records {
		counts[rec.ID]++
	}

	var dups []string
	for id, n := range counts {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}

// CheckReferenceIntegrity verifies that every record whose metadata
// carries a "parent_id" points at a known parent.
func CheckReferenceIntegrity(records []vectorstore.Record, parents map[string]bool) error {
	for _, rec := range records {
		parent, ok := rec.Metadata["parent_id"].(string)
		if !ok || parent == "" {
			continue
		}
		if !parents[parent] {
			return fmt.Errorf("%w: record %q references unknown parent %q",
				ErrBrokenReference, rec.ID, parent)
		}
	}
	return nil
}

// CheckIndexIntegrity compares the index's ID set against the record
// set, reporting IDs present on only one side.
func CheckIndexIntegrity(indexIDs []string, records []vectorstore.Record) error {
	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.ID] = true
	}
	indexed := make(map[string]bool, len(indexIDs))
	for _, id := range indexIDs {
		indexed[id] = true
	}

	var missing, orphaned []string
	for id := range recorded {
		if !indexed[id] {
			missing = append(missing, id)
		}
	}
	for id := range indexed {
		if !recorded[id] {
			orphaned = append(orphaned, id)
		}
	}
	if len(missing) == 0 && len(orphaned) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(orphaned)
	return fmt.Errorf("%w: %d missing from index %v, %d orphaned in index %v",
		ErrIndexDrift, len(missing), missing, len(orphaned), orphaned)
}
