// Package vectorstore defines vector records, validation and batch
// utilities, the metadata filter expression tree, and the pluggable
// similarity index boundary.
//
// Three Index implementations ship with the module:
//
//   - MemoryIndex: brute-force cosine similarity, used by tests and
//     suitable for small databases.
//   - ChromemIndex: embedded chromem-go persistence (default).
//   - QdrantIndex: remote Qdrant over gRPC.
//
// Validation is enforced at this boundary: record IDs are required,
// embeddings must match the database dimension exactly, and metadata is
// a size-bounded map of a closed value set with reserved keys rejected.
package vectorstore
