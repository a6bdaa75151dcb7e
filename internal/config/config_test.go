package config

import (
	"testing"
	"time"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.Engine.DefaultDimension != 384 {
		t.Errorf("Engine.DefaultDimension = %d, want 384", cfg.Engine.DefaultDimension)
	}
	if cfg.Engine.ChunkSize != 100 {
		t.Errorf("Engine.ChunkSize = %d, want 100", cfg.Engine.ChunkSize)
	}
	if cfg.VectorStore.Provider != "chromem" {
		t.Errorf("VectorStore.Provider = %q, want chromem", cfg.VectorStore.Provider)
	}
	if cfg.VectorStore.Qdrant.Port != 6334 {
		t.Errorf("VectorStore.Qdrant.Port = %d, want 6334", cfg.VectorStore.Qdrant.Port)
	}
	if cfg.Embeddings.Model != "BAAI/bge-small-en-v1.5" {
		t.Errorf("Embeddings.Model = %q, want BAAI/bge-small-en-v1.5", cfg.Embeddings.Model)
	}
	if cfg.Embeddings.CacheTTL.Duration() != time.Hour {
		t.Errorf("Embeddings.CacheTTL = %v, want 1h", cfg.Embeddings.CacheTTL.Duration())
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("Cache.MaxEntries = %d, want 1000", cfg.Cache.MaxEntries)
	}
	if cfg.Cache.Policy != "lru" {
		t.Errorf("Cache.Policy = %q, want lru", cfg.Cache.Policy)
	}
	if cfg.Recovery.MaxPerKey != 10 {
		t.Errorf("Recovery.MaxPerKey = %d, want 10", cfg.Recovery.MaxPerKey)
	}
	if cfg.Recovery.SweepSchedule != "@hourly" {
		t.Errorf("Recovery.SweepSchedule = %q, want @hourly", cfg.Recovery.SweepSchedule)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false (disabled by default)")
	}
	if cfg.Telemetry.ServiceName != "ragstore" {
		t.Errorf("Telemetry.ServiceName = %q, want ragstore", cfg.Telemetry.ServiceName)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		var cfg Config
		applyDefaults(&cfg)
		return &cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "memory provider",
			mutate:  func(c *Config) { c.VectorStore.Provider = "memory" },
			wantErr: false,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.VectorStore.Provider = "pinecone" },
			wantErr: true,
		},
		{
			name: "qdrant port out of range",
			mutate: func(c *Config) {
				c.VectorStore.Provider = "qdrant"
				c.VectorStore.Qdrant.Port = 70000
			},
			wantErr: true,
		},
		{
			name:    "zero dimension",
			mutate:  func(c *Config) { c.Engine.DefaultDimension = 0 },
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad cache policy",
			mutate:  func(c *Config) { c.Cache.Policy = "fifo" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("super-secret-key")

	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", s.String())
	}
	if s.Value() != "super-secret-key" {
		t.Errorf("Value() = %q, want the raw secret", s.Value())
	}

	var empty Secret
	if empty.String() != "" {
		t.Errorf("String() = %q for empty secret, want empty", empty.String())
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", d.Duration())
	}

	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("UnmarshalText() = nil, want error for invalid input")
	}
}
