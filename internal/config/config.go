// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest to lowest:
//  1. Environment variables (CITYKB_* and DATABASE_URL)
//  2. Config file (~/.citykb/config.yaml)
//  3. Defaults
//
// Categories:
//   - AI: generation model, embedder model, temperature, max tokens
//   - Postgres: connection settings (see postgres.go)
//   - Pipeline: chunking, embedding batching, retrieval thresholds
//
// Validation uses sentinel errors so callers can branch with errors.Is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidModelName indicates an empty or malformed model name.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates an empty embedder model.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidTemperature indicates a temperature outside [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates a non-positive max token count.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidPostgresHost indicates an empty PostgreSQL host.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates a port outside 1-65535.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates an empty database name.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidChunking indicates chunk size/overlap out of range.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidEmbedBatch indicates an embedding batch size out of range.
	ErrInvalidEmbedBatch = errors.New("invalid embedding batch size")

	// ErrInvalidMinScore indicates a retrieval threshold outside [0, 1].
	ErrInvalidMinScore = errors.New("invalid minimum score")
)

// Defaults mirror the hosted deployment this pipeline was extracted from:
// Gemini generation with text-embedding-004 vectors, 1000-character chunks
// with 200 characters of overlap, embedding batches of five.
const (
	DefaultModelName     = "gemini-2.5-flash-lite"
	DefaultEmbedderModel = "text-embedding-004"

	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	DefaultEmbedBatchSize   = 5
	DefaultEmbedConcurrency = 4
	DefaultEmbedRetries     = 3

	DefaultMinScore      = 0.7
	DefaultMaxSources    = 3
	DefaultHistoryWindow = 10

	DefaultWorkerPoolSize = 8
)

// AI holds generation and embedding settings.
type AI struct {
	ModelName     string  `mapstructure:"model_name"`
	EmbedderModel string  `mapstructure:"embedder_model"`
	Temperature   float64 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
}

// Postgres holds document store connection settings.
type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Pipeline holds ingestion and retrieval tuning knobs.
type Pipeline struct {
	ChunkSize        int     `mapstructure:"chunk_size"`
	ChunkOverlap     int     `mapstructure:"chunk_overlap"`
	EmbedBatchSize   int     `mapstructure:"embed_batch_size"`
	EmbedConcurrency int     `mapstructure:"embed_concurrency"`
	EmbedRetries     int     `mapstructure:"embed_retries"`
	MinScore         float64 `mapstructure:"min_score"`
	MaxSources       int     `mapstructure:"max_sources"`
	HistoryWindow    int     `mapstructure:"history_window"`
	WorkerPoolSize   int     `mapstructure:"worker_pool_size"`
}

// Config is the root configuration object.
type Config struct {
	AI       AI       `mapstructure:"ai"`
	Postgres Postgres `mapstructure:"postgres"`
	Pipeline Pipeline `mapstructure:"pipeline"`
}

// Load reads configuration from defaults, the optional config file, and
// the environment, then validates the result.
//
// configFile may be empty, in which case ~/.citykb/config.yaml is used
// when present. A missing config file is not an error; defaults and the
// environment still apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configFile == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".citykb", "config.yaml")
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
			}
		}
	}

	v.SetEnvPrefix("CITYKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings; common in
	// cloud deployments.
	if err := cfg.applyDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ai.model_name", DefaultModelName)
	v.SetDefault("ai.embedder_model", DefaultEmbedderModel)
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.max_tokens", 2048)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "citykb")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "citykb")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("pipeline.chunk_size", DefaultChunkSize)
	v.SetDefault("pipeline.chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("pipeline.embed_batch_size", DefaultEmbedBatchSize)
	v.SetDefault("pipeline.embed_concurrency", DefaultEmbedConcurrency)
	v.SetDefault("pipeline.embed_retries", DefaultEmbedRetries)
	v.SetDefault("pipeline.min_score", DefaultMinScore)
	v.SetDefault("pipeline.max_sources", DefaultMaxSources)
	v.SetDefault("pipeline.history_window", DefaultHistoryWindow)
	v.SetDefault("pipeline.worker_pool_size", DefaultWorkerPoolSize)
}

// Validate checks all fields and returns the first violation found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AI.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.AI.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		return fmt.Errorf("%w: %v not in [0, 2]", ErrInvalidTemperature, c.AI.Temperature)
	}
	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxTokens, c.AI.MaxTokens)
	}

	if strings.TrimSpace(c.Postgres.Host) == "" {
		return ErrInvalidPostgresHost
	}
	if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.Postgres.Port)
	}
	if strings.TrimSpace(c.Postgres.DBName) == "" {
		return ErrInvalidPostgresDBName
	}

	p := c.Pipeline
	if p.ChunkSize < 100 || p.ChunkSize > 100_000 {
		return fmt.Errorf("%w: chunk_size %d not in [100, 100000]", ErrInvalidChunking, p.ChunkSize)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, p.ChunkOverlap)
	}
	if p.EmbedBatchSize < 1 || p.EmbedBatchSize > 100 {
		return fmt.Errorf("%w: %d not in [1, 100]", ErrInvalidEmbedBatch, p.EmbedBatchSize)
	}
	if p.MinScore < 0 || p.MinScore > 1 {
		return fmt.Errorf("%w: %v not in [0, 1]", ErrInvalidMinScore, p.MinScore)
	}
	return nil
}
