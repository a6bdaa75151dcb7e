package vectorstore

import (
	"encoding/json"
	"fmt"
)

// ValidateRecord checks a single candidate record against the database
// dimension. It verifies the identifier is present, the embedding exists
// and has the exact configured length, and the metadata (if any) uses
// only allowed keys and value types within the size ceiling.
func ValidateRecord(rec Record, dimension int) error {
	if rec.ID == "" {
		return ErrMissingID
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("%w: record %q", ErrMissingEmbedding, rec.ID)
	}
	if len(rec.Embedding) != dimension {
		return fmt.Errorf("%w: record %q has dimension %d, expected %d",
			ErrDimensionMismatch, rec.ID, len(rec.Embedding), dimension)
	}
	if rec.Metadata != nil {
		if err := ValidateMetadata(rec.Metadata); err != nil {
			return fmt.Errorf("record %q: %w", rec.ID, err)
		}
	}
	return nil
}

// ValidateMetadata checks keys against the reserved denylist, values
// against the closed variant set, and the serialized size against
// MaxMetadataBytes.
func ValidateMetadata(metadata map[string]any) error {
	for key, value := range metadata {
		if _, reserved := reservedMetadataKeys[key]; reserved {
			return fmt.Errorf("%w: %q", ErrReservedMetadataKey, key)
		}
		if err := validateMetadataValue(key, value, 0); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadataValue, err)
	}
	if len(raw) > MaxMetadataBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrMetadataTooLarge, len(raw), MaxMetadataBytes)
	}
	return nil
}

// maxMetadataDepth bounds nested-object recursion.
const maxMetadataDepth = 8

func validateMetadataValue(key string, value any, depth int) error {
	if depth > maxMetadataDepth {
		return fmt.Errorf("%w: %q nested too deeply", ErrInvalidMetadataValue, key)
	}
	switch v := value.(type) {
	case nil, string, bool,
		int, int32, int64, float32, float64:
		return nil
	case map[string]any:
		for k, nested := range v {
			if err := validateMetadataValue(key+"."+k, nested, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q has type %T", ErrInvalidMetadataValue, key, value)
	}
}

// BatchResult partitions a validated batch.
type BatchResult struct {
	Valid   []Record
	Invalid []RecordError
}

// ValidateBatch validates every record without short-circuiting on the
// first failure, partitioning the input into valid records and per-id
// errors.
func ValidateBatch(records []Record, dimension int) BatchResult {
	result := BatchResult{
		Valid: make([]Record, 0, len(records)),
	}
	for _, rec := range records {
		if err := ValidateRecord(rec, dimension); err != nil {
			result.Invalid = append(result.Invalid, RecordError{ID: rec.ID, Err: err})
			continue
		}
		result.Valid = append(result.Valid, rec)
	}
	return result
}
