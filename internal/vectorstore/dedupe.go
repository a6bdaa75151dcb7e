package vectorstore

import (
	"fmt"
	"sort"
	"strings"
)

// DuplicatePolicy selects how duplicate record ids in a batch are handled.
type DuplicatePolicy string

const (
	// DuplicateError rejects the whole batch, naming every duplicate id.
	DuplicateError DuplicatePolicy = "error"

	// DuplicateSkip keeps the first occurrence of each id.
	DuplicateSkip DuplicatePolicy = "skip"

	// DuplicateReplace keeps the last occurrence of each id.
	DuplicateReplace DuplicatePolicy = "replace"
)

// DedupeResult reports the outcome of duplicate resolution. Skipped and
// Replaced are surfaced separately so callers can distinguish which
// policy discarded records.
type DedupeResult struct {
	Records  []Record
	Skipped  int
	Replaced int
}

// ResolveDuplicates applies the policy to a batch, preserving first-seen
// id order in the output.
func ResolveDuplicates(records []Record, policy DuplicatePolicy) (DedupeResult, error) {
	seen := make(map[string]int, len(records))
	var duplicates []string

	for _, rec := range records {
		seen[rec.ID]++
		if seen[rec.ID] == 2 {
			duplicates = append(duplicates, rec.ID)
		}
	}

	if len(duplicates) == 0 {
		return DedupeResult{Records: records}, nil
	}

	switch policy {
	case DuplicateError:
		sort.Strings(duplicates)
		return DedupeResult{}, fmt.Errorf("%w: %s", ErrDuplicateIDs, strings.Join(duplicates, ", "))

	case DuplicateSkip:
		kept := make([]Record, 0, len(records))
		taken := make(map[string]struct{}, len(records))
		skipped := 0
		for _, rec := range records {
			if _, ok := taken[rec.ID]; ok {
				skipped++
				continue
			}
			taken[rec.ID] = struct{}{}
			kept = append(kept, rec)
		}
		return DedupeResult{Records: kept, Skipped: skipped}, nil

	case DuplicateReplace:
		// Last occurrence wins, output keeps first-seen order.
		last := make(map[string]Record, len(records))
		order := make([]string, 0, len(records))
		replaced := 0
		for _, rec := range records {
			if _, ok := last[rec.ID]; ok {
				replaced++
			} else {
				order = append(order, rec.ID)
			}
			last[rec.ID] = rec
		}
		kept := make([]Record, 0, len(order))
		for _, id := range order {
			kept = append(kept, last[id])
		}
		return DedupeResult{Records: kept, Replaced: replaced}, nil

	default:
		return DedupeResult{}, fmt.Errorf("unknown duplicate policy %q", policy)
	}
}
