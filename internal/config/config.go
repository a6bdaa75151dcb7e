// Package config provides configuration loading for ragstore.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and sensible defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete ragstore configuration.
type Config struct {
	Engine      EngineConfig      `koanf:"engine"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Cache       CacheConfig       `koanf:"cache"`
	Recovery    RecoveryConfig    `koanf:"recovery"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// EngineConfig holds session engine settings.
type EngineConfig struct {
	// DataDir is where the durable store lives.
	DataDir string `koanf:"data_dir"`

	// DefaultDimension is the embedding width for new databases.
	DefaultDimension int `koanf:"default_dimension"`

	// ChunkSize is the default bulk-ingestion batch size.
	ChunkSize int `koanf:"chunk_size"`
}

// VectorStoreConfig selects and tunes the vector index backend.
type VectorStoreConfig struct {
	// Provider is one of "chromem", "qdrant", or "memory".
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds the embedded chromem backend settings.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds the remote qdrant backend settings.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingsConfig holds the TEI provider and embedding cache settings.
type EmbeddingsConfig struct {
	BaseURL         string   `koanf:"base_url"`
	Model           string   `koanf:"model"`
	APIKey          Secret   `koanf:"api_key"`
	CostPer1KTokens float64  `koanf:"cost_per_1k_tokens"`
	CacheEntries    int      `koanf:"cache_entries"`
	CacheTTL        Duration `koanf:"cache_ttl"`
}

// CacheConfig holds the search cache settings.
type CacheConfig struct {
	MaxEntries int      `koanf:"max_entries"`
	TTL        Duration `koanf:"ttl"`
	Policy     string   `koanf:"policy"`
}

// RecoveryConfig holds checkpoint settings.
type RecoveryConfig struct {
	// MaxPerKey bounds checkpoints retained per database.
	MaxPerKey int `koanf:"max_per_key"`

	// Retention is how long checkpoints are kept before sweeps drop
	// them.
	Retention Duration `koanf:"retention"`

	// SweepSchedule is the cron expression for retention sweeps.
	SweepSchedule string `koanf:"sweep_schedule"`

	// CheckpointSchedule is the cron expression for periodic
	// checkpoints of every open session.
	CheckpointSchedule string `koanf:"checkpoint_schedule"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `koanf:"endpoint"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = "~/.local/share/ragstore"
	}
	if cfg.Engine.DefaultDimension == 0 {
		cfg.Engine.DefaultDimension = 384
	}
	if cfg.Engine.ChunkSize == 0 {
		cfg.Engine.ChunkSize = 100
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.local/share/ragstore/index"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.CacheEntries == 0 {
		cfg.Embeddings.CacheEntries = 10000
	}
	if cfg.Embeddings.CacheTTL == 0 {
		cfg.Embeddings.CacheTTL = Duration(time.Hour)
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(5 * time.Minute)
	}
	if cfg.Cache.Policy == "" {
		cfg.Cache.Policy = "lru"
	}

	if cfg.Recovery.MaxPerKey == 0 {
		cfg.Recovery.MaxPerKey = 10
	}
	if cfg.Recovery.Retention == 0 {
		cfg.Recovery.Retention = Duration(24 * time.Hour)
	}
	if cfg.Recovery.SweepSchedule == "" {
		cfg.Recovery.SweepSchedule = "@hourly"
	}
	if cfg.Recovery.CheckpointSchedule == "" {
		cfg.Recovery.CheckpointSchedule = "@every 15m"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ragstore"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.VectorStore.Provider {
	case "chromem", "qdrant", "memory":
	default:
		return fmt.Errorf("invalid vectorstore provider: %q (must be chromem, qdrant, or memory)", c.VectorStore.Provider)
	}

	if c.VectorStore.Provider == "qdrant" {
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d (must be 1-65535)", c.VectorStore.Qdrant.Port)
		}
	}

	if c.Engine.DefaultDimension < 1 {
		return fmt.Errorf("invalid default dimension: %d", c.Engine.DefaultDimension)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	switch c.Cache.Policy {
	case "lru", "priority":
	default:
		return fmt.Errorf("invalid cache policy: %q (must be lru or priority)", c.Cache.Policy)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("service name required when telemetry is enabled")
	}

	return nil
}
