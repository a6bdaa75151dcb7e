// Package contextbuilder assembles retrieval-augmented prompt context.
// It embeds the prompt, searches a vector index, and renders the matches
// into a template under a token budget. Retrieval failures degrade to an
// empty context rather than failing the caller's request.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/embeddings"
	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

const (
	// DefaultTopK is the default number of matches to retrieve.
	DefaultTopK = 5

	// DefaultTemplate renders context above the sources list.
	DefaultTemplate = "Relevant context:\n{context}\n\nSources: {sources}"

	// charsPerToken approximates tokenization for budget arithmetic.
	charsPerToken = 4

	// truncationMarker is appended when the context is cut to budget.
	truncationMarker = " …[truncated]"
)

// Config holds builder configuration.
type Config struct {
	// TopK is the default match count when a request leaves it zero.
	TopK int

	// Threshold is the default minimum similarity score.
	Threshold float32

	// Template is the default render template.
	Template string
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.Template == "" {
		c.Template = DefaultTemplate
	}
}

// Request describes one context build.
type Request struct {
	DatabaseID string
	Prompt     string

	// TopK overrides the configured match count when positive.
	TopK int

	// Threshold overrides the configured score floor when positive.
	Threshold float32

	// Filter restricts matches by metadata.
	Filter *vectorstore.Filter

	// Template overrides the configured template when non-empty.
	Template string

	// TokenBudget caps the rendered context size. Zero means unlimited.
	TokenBudget int
}

// Result is the rendered context.
type Result struct {
	Context   string
	Sources   []string
	Matches   int
	Truncated bool
}

// Builder retrieves and renders context for prompts.
type Builder struct {
	embedder embeddings.Provider
	index    vectorstore.Index
	config   Config
	logger   *zap.Logger
	metrics  *builderMetrics
}

// New creates a context builder.
func New(embedder embeddings.Provider, index vectorstore.Index, config Config, logger *zap.Logger) (*Builder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Builder{
		embedder: embedder,
		index:    index,
		config:   config,
		logger:   logger,
		metrics:  newBuilderMetrics(),
	}, nil
}

// Build embeds the prompt, searches the database, and renders matches
// into the template. An empty prompt, zero matches, or a retrieval
// failure all yield an empty Result with a nil error; callers fall back
// to the bare prompt.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if strings.TrimSpace(req.Prompt) == "" {
		b.metrics.recordEmpty(time.Since(start))
		return &Result{Sources: []string{}}, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = b.config.TopK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = b.config.Threshold
	}
	template := req.Template
	if template == "" {
		template = b.config.Template
	}

	embedding, err := b.embedder.EmbedText(ctx, req.Prompt)
	if err != nil {
		b.logger.Warn("prompt embedding failed, returning empty context",
			zap.String("database_id", req.DatabaseID),
			zap.Error(err))
		b.metrics.recordEmpty(time.Since(start))
		return &Result{Sources: []string{}}, nil
	}

	matches, err := b.index.Search(ctx, req.DatabaseID, embedding.Embedding, topK, &vectorstore.SearchOptions{
		Threshold: threshold,
		Filter:    req.Filter,
	})
	if err != nil {
		b.logger.Warn("retrieval failed, returning empty context",
			zap.String("database_id", req.DatabaseID),
			zap.Error(err))
		b.metrics.recordEmpty(time.Since(start))
		return &Result{Sources: []string{}}, nil
	}
	if len(matches) == 0 {
		b.metrics.recordEmpty(time.Since(start))
		return &Result{Sources: []string{}}, nil
	}

	contextText, sources := renderMatches(matches)
	truncated := false
	if req.TokenBudget > 0 {
		contextText, truncated = truncateToBudget(contextText, req.TokenBudget)
	}

	rendered := strings.ReplaceAll(template, "{context}", contextText)
	rendered = strings.ReplaceAll(rendered, "{sources}", strings.Join(sources, ", "))

	b.metrics.record(time.Since(start), matches[0].Score, EstimateTokens(rendered))

	return &Result{
		Context:   rendered,
		Sources:   sources,
		Matches:   len(matches),
		Truncated: truncated,
	}, nil
}

// Metrics returns a snapshot of build activity.
func (b *Builder) Metrics() BuilderStats {
	return b.metrics.snapshot()
}

// renderMatches joins match content and collects source labels. Each
// match contributes its "content" payload field; the source label is the
// "source" field, falling back to the point ID.
func renderMatches(matches []vectorstore.ScoredPoint) (string, []string) {
	var parts []string
	seen := make(map[string]bool)
	var sources []string

	for _, m := range matches {
		if content, ok := m.Payload["content"].(string); ok && content != "" {
			parts = append(parts, content)
		}
		label := m.ID
		if src, ok := m.Payload["source"].(string); ok && src != "" {
			label = src
		}
		if !seen[label] {
			seen[label] = true
			sources = append(sources, label)
		}
	}
	return strings.Join(parts, "\n\n"), sources
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// truncateToBudget cuts text to roughly budget tokens, backing up to the
// last sentence or line boundary so the cut reads cleanly.
func truncateToBudget(text string, budget int) (string, bool) {
	limit := budget * charsPerToken
	if len(text) <= limit {
		return text, false
	}

	cut := text[:limit]
	boundary := -1
	for _, sep := range []string{". ", ".\n", "\n"} {
		if idx := strings.LastIndex(cut, sep); idx > boundary {
			boundary = idx + len(sep) - 1
			if sep == ". " || sep == ".\n" {
				boundary = idx + 1
			}
		}
	}
	if boundary > 0 {
		cut = cut[:boundary]
	}
	return strings.TrimRight(cut, " \n") + truncationMarker, true
}

// BuilderStats summarizes build activity using incremental averages.
type BuilderStats struct {
	Builds          int64
	EmptyRetrievals int64
	AvgLatency      time.Duration
	AvgTopScore     float64
	TotalTokens     int64
}

type builderMetrics struct {
	mu    sync.Mutex
	stats BuilderStats
}

func newBuilderMetrics() *builderMetrics {
	return &builderMetrics{}
}

func (m *builderMetrics) record(latency time.Duration, topScore float32, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Builds++
	n := float64(m.stats.Builds)
	m.stats.AvgLatency += time.Duration(float64(latency-m.stats.AvgLatency) / n)
	m.stats.AvgTopScore += (float64(topScore) - m.stats.AvgTopScore) / n
	m.stats.TotalTokens += int64(tokens)
}

func (m *builderMetrics) recordEmpty(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Builds++
	m.stats.EmptyRetrievals++
	n := float64(m.stats.Builds)
	m.stats.AvgLatency += time.Duration(float64(latency-m.stats.AvgLatency) / n)
}

func (m *builderMetrics) snapshot() BuilderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
