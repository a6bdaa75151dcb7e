package embeddings

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// TextEmbedding is the result of embedding a single text.
type TextEmbedding struct {
	Embedding  []float32
	TokenCount int
}

// BatchResult is the result of embedding a batch of texts. Embeddings
// preserve the input order.
type BatchResult struct {
	Embeddings  [][]float32
	Model       string
	Provider    string
	TotalTokens int
	Cost        float64
}

// Provider generates embeddings for text.
type Provider interface {
	// EmbedText embeds a single text.
	EmbedText(ctx context.Context, text string) (*TextEmbedding, error)

	// EmbedBatch embeds multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error)

	// Model returns the model identifier in use.
	Model() string

	// Name returns the provider identifier (e.g. "tei").
	Name() string
}

// estimateTokens approximates token count at roughly 4 characters per
// token, matching the budget arithmetic in contextbuilder.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
