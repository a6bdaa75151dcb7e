package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/cache"
	"github.com/fyrsmithlabs/ragstore/internal/config"
	"github.com/fyrsmithlabs/ragstore/internal/embeddings"
	"github.com/fyrsmithlabs/ragstore/internal/engine"
	"github.com/fyrsmithlabs/ragstore/internal/kv"
	"github.com/fyrsmithlabs/ragstore/internal/logging"
	"github.com/fyrsmithlabs/ragstore/internal/recovery"
	"github.com/fyrsmithlabs/ragstore/internal/vectorstore"
)

// environment bundles the wired engine and its backends for a command
// invocation.
type environment struct {
	cfg     *config.Config
	logger  *zap.Logger
	manager *engine.Manager
}

// openEnvironment loads config, builds the logger, and wires the
// engine against the configured backends.
func openEnvironment() (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	index, err := buildIndex(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building vector index: %w", err)
	}

	store, err := kv.OpenSQLite(kv.SQLiteConfig{
		Path: filepath.Join(expandHome(cfg.Engine.DataDir), "ragstore.db"),
	}, logger)
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	manager, err := engine.NewManager(engine.Deps{
		Index:    index,
		Store:    store,
		Embedder: buildEmbedder(cfg, logger),
		Logger:   logger,
		SearchCache: cache.New(cache.Config{
			MaxEntries: cfg.Cache.MaxEntries,
			DefaultTTL: cfg.Cache.TTL.Duration(),
			Policy:     cache.EvictionPolicy(cfg.Cache.Policy),
		}),
		Recovery: recovery.NewManager(recovery.Config{
			MaxPerKey: cfg.Recovery.MaxPerKey,
			Store:     store,
		}, logger),
	})
	if err != nil {
		index.Close()
		store.Close()
		return nil, err
	}

	// Recover durable checkpoints from previous runs.
	loaded, err := manager.Recovery().LoadFromStore(context.Background())
	if err != nil {
		logger.Warn("checkpoint recovery failed", zap.Error(err))
	} else if loaded > 0 {
		logger.Info("checkpoints recovered", zap.Int("count", loaded))
	}

	return &environment{cfg: cfg, logger: logger, manager: manager}, nil
}

// Close shuts down the engine and flushes the logger.
func (e *environment) Close() error {
	return errors.Join(e.manager.Close(), logging.Sync(e.logger))
}

// buildIndex constructs the configured vector index backend.
func buildIndex(cfg *config.Config, logger *zap.Logger) (vectorstore.Index, error) {
	switch cfg.VectorStore.Provider {
	case "chromem":
		return vectorstore.NewChromemIndex(vectorstore.ChromemConfig{
			Path:     expandHome(cfg.VectorStore.Chromem.Path),
			Compress: cfg.VectorStore.Chromem.Compress,
		}, logger)
	case "qdrant":
		return vectorstore.NewQdrantIndex(vectorstore.QdrantConfig{
			Host:      cfg.VectorStore.Qdrant.Host,
			Port:      cfg.VectorStore.Qdrant.Port,
			UseTLS:    cfg.VectorStore.Qdrant.UseTLS,
			APIKey:    cfg.VectorStore.Qdrant.APIKey.Value(),
			Dimension: cfg.Engine.DefaultDimension,
		}, logger)
	case "memory":
		return vectorstore.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown vectorstore provider %q", cfg.VectorStore.Provider)
	}
}

// buildEmbedder constructs the TEI provider fronted by the embedding
// cache. Returns nil when no endpoint is configured, leaving the engine
// to accept only pre-embedded queries.
func buildEmbedder(cfg *config.Config, logger *zap.Logger) embeddings.Provider {
	if cfg.Embeddings.BaseURL == "" {
		return nil
	}

	provider, err := embeddings.NewTEIProvider(embeddings.Config{
		BaseURL:         cfg.Embeddings.BaseURL,
		Model:           cfg.Embeddings.Model,
		APIKey:          cfg.Embeddings.APIKey.Value(),
		CostPer1KTokens: cfg.Embeddings.CostPer1KTokens,
	})
	if err != nil {
		logger.Warn("embedding provider unavailable", zap.Error(err))
		return nil
	}

	return embeddings.NewCache(provider, embeddings.CacheConfig{
		MaxEntries: cfg.Embeddings.CacheEntries,
		TTL:        cfg.Embeddings.CacheTTL.Duration(),
	}, logger)
}

// expandHome resolves a leading ~/ against the current home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
