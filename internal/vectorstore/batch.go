package vectorstore

import (
	"context"
	"fmt"
)

// perRecordOverheadBytes approximates id, map headers, and bookkeeping
// per stored record.
const perRecordOverheadBytes = 96

// Chunk splits records into fixed-size chunks, preserving order. The
// final chunk may be shorter.
func Chunk(records []Record, size int) [][]Record {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	chunks := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// ChunkFunc is the per-chunk operation applied by ProcessBatches.
type ChunkFunc func(ctx context.Context, chunk []Record) error

// ProgressFunc observes fractional progress in (0, 1] after each chunk.
type ProgressFunc func(done, total int, fraction float64)

// ProcessBatches splits records into chunks of size and applies fn to
// each chunk strictly sequentially, reporting fractional progress after
// every chunk. A chunk failure stops processing and is returned with the
// failing chunk index; earlier chunks stay applied, so callers wanting
// all-or-nothing semantics run this under a rollback wrapper.
func ProcessBatches(ctx context.Context, records []Record, size int, fn ChunkFunc, onProgress ProgressFunc) error {
	if size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", size)
	}
	chunks := Chunk(records, size)
	done := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, chunk); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		done += len(chunk)
		if onProgress != nil {
			onProgress(done, len(records), float64(done)/float64(len(records)))
		}
	}
	return nil
}

// EstimateMemory returns the approximate resident bytes for count vectors
// of the given dimension with avgMetadataBytes of metadata each:
// 4 bytes per float plus a per-record overhead constant.
func EstimateMemory(count, dimension, avgMetadataBytes int) int64 {
	if count <= 0 {
		return 0
	}
	perRecord := int64(4*dimension) + int64(avgMetadataBytes) + perRecordOverheadBytes
	return int64(count) * perRecord
}
