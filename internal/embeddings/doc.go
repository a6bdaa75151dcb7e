// Package embeddings turns text into vectors. A Provider abstracts the
// backend (TEI over HTTP in production, a stub in tests), and Cache wraps
// any Provider with a content-addressed LRU so repeated texts never hit
// the backend twice.
package embeddings
