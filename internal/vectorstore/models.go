package vectorstore

import "errors"

// DefaultDimension is the embedding dimension used when a database does
// not configure one (bge-small-en-v1.5 output size).
const DefaultDimension = 384

// MaxMetadataBytes is the enforced ceiling for a single record's
// serialized metadata payload.
const MaxMetadataBytes = 16 * 1024

// reservedMetadataKeys cannot appear in user metadata; they collide with
// record fields the engine manages itself.
var reservedMetadataKeys = map[string]struct{}{
	"id":        {},
	"embedding": {},
	"score":     {},
}

// Sentinel errors for validation and index operations.
var (
	// ErrMissingID indicates a record without an identifier.
	ErrMissingID = errors.New("record id is required")

	// ErrMissingEmbedding indicates a record without an embedding.
	ErrMissingEmbedding = errors.New("record embedding is required")

	// ErrDimensionMismatch indicates an embedding of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrReservedMetadataKey indicates metadata using a reserved field name.
	ErrReservedMetadataKey = errors.New("metadata uses a reserved key")

	// ErrMetadataTooLarge indicates metadata above the byte ceiling.
	ErrMetadataTooLarge = errors.New("metadata exceeds size limit")

	// ErrInvalidMetadataValue indicates a metadata value outside the
	// supported variant set.
	ErrInvalidMetadataValue = errors.New("unsupported metadata value type")

	// ErrDuplicateIDs indicates duplicate record ids under the error policy.
	ErrDuplicateIDs = errors.New("duplicate record ids")

	// ErrDatabaseNotFound is returned when an index has no such database.
	ErrDatabaseNotFound = errors.New("database not found in index")

	// ErrIndexClosed is returned when operating on a closed index.
	ErrIndexClosed = errors.New("index is closed")
)

// Record is a single vector with metadata, unique by ID within a database.
type Record struct {
	// ID is the record identifier, unique within a database.
	ID string

	// Embedding is the fixed-length vector. Length must equal the
	// database dimension exactly.
	Embedding []float32

	// Metadata is an open key/value map, excluding reserved field names.
	// Values are restricted to string, numeric, bool, nil, and nested
	// maps of the same.
	Metadata map[string]any
}

// RecordError pairs a record id with its validation failure.
type RecordError struct {
	ID  string
	Err error
}

// Point is the index-level representation of a stored vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a similarity search result.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// SearchOptions carries optional search parameters.
type SearchOptions struct {
	// Threshold drops results scoring below it when > 0.
	Threshold float32

	// Filter restricts results to points whose payload matches.
	Filter *Filter
}
