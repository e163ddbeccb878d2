// Package config loads retrieval-core configuration from the environment
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the retrieval core.
// Every knob has a working default so a bare binary starts locally.
type Config struct {
	HTTPPort int    `env:"POLICYCORE_HTTP_PORT" envDefault:"8080"`
	ObsPort  int    `env:"POLICYCORE_OBS_PORT" envDefault:"9090"`
	DBPath   string `env:"POLICYCORE_DB" envDefault:"policycore.db"`

	LogLevel  string `env:"POLICYCORE_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"POLICYCORE_LOG_PRETTY" envDefault:"false"`

	// Embedding collaborator (OpenAI-compatible /v1/embeddings endpoint).
	// When APIBase is empty the local hashing embedder is used, which keeps
	// the core functional offline.
	EmbeddingAPIBase string `env:"POLICYCORE_EMBEDDING_API_BASE"`
	EmbeddingAPIKey  string `env:"POLICYCORE_EMBEDDING_API_KEY"`
	EmbeddingModel   string `env:"POLICYCORE_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDims    int    `env:"POLICYCORE_EMBEDDING_DIMS" envDefault:"256"`

	// Lazy embedding coordinator.
	EmbedConcurrency int           `env:"POLICYCORE_EMBED_CONCURRENCY" envDefault:"3"`
	EmbedMaxAttempts int           `env:"POLICYCORE_EMBED_MAX_ATTEMPTS" envDefault:"3"`
	EmbedBackoffBase time.Duration `env:"POLICYCORE_EMBED_BACKOFF_BASE" envDefault:"2s"`

	// Family manager.
	FamilyJoinThreshold float64 `env:"POLICYCORE_FAMILY_JOIN_THRESHOLD" envDefault:"0.62"`

	// Retrieval engine.
	QueryTimeout     time.Duration `env:"POLICYCORE_QUERY_TIMEOUT" envDefault:"20s"`
	MaxEmbedPerQuery int           `env:"POLICYCORE_MAX_EMBED_PER_QUERY" envDefault:"8"`
	TopK             int           `env:"POLICYCORE_TOP_K" envDefault:"5"`
	LatestBoost      float64       `env:"POLICYCORE_LATEST_BOOST" envDefault:"1.15"`
	FamilyResultCap  int           `env:"POLICYCORE_FAMILY_RESULT_CAP" envDefault:"2"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the core misbehave silently.
func (c *Config) Validate() error {
	if c.EmbeddingDims <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbeddingDims)
	}
	if c.FamilyJoinThreshold <= 0 || c.FamilyJoinThreshold > 1 {
		return fmt.Errorf("family join threshold must be in (0,1], got %v", c.FamilyJoinThreshold)
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive, got %v", c.QueryTimeout)
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 1
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.LatestBoost < 1 {
		c.LatestBoost = 1
	}
	if c.FamilyResultCap <= 0 {
		c.FamilyResultCap = 2
	}
	return nil
}
