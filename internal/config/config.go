// Package config provides unified configuration loading for ChartQuery.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ChartQuery engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	VectorDB      VectorDBConfig      `yaml:"vector_db"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Quality       QualityConfig       `yaml:"quality"`
	Enrichment    EnrichmentConfig    `yaml:"enrichment"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestDeadline  time.Duration `yaml:"request_deadline"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds metadata store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// VectorDBConfig holds vector store settings.
type VectorDBConfig struct {
	Type      string       `yaml:"type"` // faiss or chromadb
	Dimension int          `yaml:"dimension"`
	FAISS     FAISSConfig  `yaml:"faiss"`
	Chroma    ChromaConfig `yaml:"chromadb"`
}

// FAISSConfig holds settings for the in-process index.
type FAISSConfig struct {
	IndexPath string `yaml:"index_path"`
}

// ChromaConfig holds settings for a local ChromaDB server.
type ChromaConfig struct {
	BaseURL    string `yaml:"base_url"`
	Collection string `yaml:"collection"`
}

// CacheConfig holds retrieval cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings. The base URL must point
// at a local provider: patient text never leaves the host.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig holds generation model settings. Same locality restriction as
// embeddings.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RetrievalConfig holds retrieval pipeline settings.
type RetrievalConfig struct {
	TopK               int     `yaml:"top_k"`
	Alpha              float64 `yaml:"alpha"` // semantic vs keyword blend
	Rerank             bool    `yaml:"rerank"`
	Diversify          bool    `yaml:"diversify"`
	DiversityThreshold float64 `yaml:"diversity_threshold"`
	TimeDecay          bool    `yaml:"time_decay"`
	SnippetLength      int     `yaml:"snippet_length"`
	MaxContextChunks   int     `yaml:"max_context_chunks"`
	CacheResults       bool    `yaml:"cache_results"`
}

// QualityConfig holds post-generation verification settings.
type QualityConfig struct {
	SelfCheckEnabled  bool    `yaml:"selfcheck_enabled"`
	SelfCheckSamples  int     `yaml:"selfcheck_samples"`
	SelfCheckTempStep float64 `yaml:"selfcheck_temp_step"`
}

// EnrichmentConfig holds chunk enrichment rollout settings.
type EnrichmentConfig struct {
	Enabled           bool `yaml:"enabled"`
	RolloutPercentage int  `yaml:"rollout_percentage"`
}

// PerformanceConfig holds batching knobs.
type PerformanceConfig struct {
	MaxEmbeddingBatchSize int `yaml:"max_embedding_batch_size"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8091,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestDeadline:  6 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/chartquery.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		VectorDB: VectorDBConfig{
			Type:      "faiss",
			Dimension: 768,
			FAISS: FAISSConfig{
				IndexPath: "/tmp/chartquery.index",
			},
			Chroma: ChromaConfig{
				BaseURL:    "http://localhost:8000",
				Collection: "chartquery_chunks",
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 100,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			Dimension: 768,
			Timeout:   30 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "llama3.1:8b",
			Temperature: 0.1,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:               10,
			Alpha:              0.7,
			Rerank:             true,
			Diversify:          true,
			DiversityThreshold: 0.85,
			TimeDecay:          true,
			SnippetLength:      200,
			MaxContextChunks:   10,
			CacheResults:       true,
		},
		Quality: QualityConfig{
			SelfCheckEnabled:  false,
			SelfCheckSamples:  3,
			SelfCheckTempStep: 0.3,
		},
		Enrichment: EnrichmentConfig{
			Enabled:           true,
			RolloutPercentage: 100,
		},
		Performance: PerformanceConfig{
			MaxEmbeddingBatchSize: 100,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.VectorDB.Type != "faiss" && c.VectorDB.Type != "chromadb" {
		return fmt.Errorf("invalid vector_db type: %s", c.VectorDB.Type)
	}

	if c.VectorDB.Dimension != c.Embedding.Dimension {
		return fmt.Errorf("vector_db dimension %d does not match embedding dimension %d",
			c.VectorDB.Dimension, c.Embedding.Dimension)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	// PHI stays on-premises: inference endpoints must be local.
	if err := requireLocalURL("embedding.base_url", c.Embedding.BaseURL); err != nil {
		return err
	}
	if err := requireLocalURL("llm.base_url", c.LLM.BaseURL); err != nil {
		return err
	}
	if c.VectorDB.Type == "chromadb" {
		if err := requireLocalURL("vector_db.chromadb.base_url", c.VectorDB.Chroma.BaseURL); err != nil {
			return err
		}
	}

	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1")
	}
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		return fmt.Errorf("retrieval.alpha must be in [0,1]")
	}

	if c.Performance.MaxEmbeddingBatchSize < 1 {
		return fmt.Errorf("performance.max_embedding_batch_size must be >= 1")
	}

	if c.Quality.SelfCheckSamples < 2 || c.Quality.SelfCheckSamples > 5 {
		return fmt.Errorf("quality.selfcheck_samples must be between 2 and 5")
	}

	if c.Enrichment.RolloutPercentage < 0 || c.Enrichment.RolloutPercentage > 100 {
		return fmt.Errorf("enrichment.rollout_percentage must be in [0,100]")
	}

	return nil
}

// requireLocalURL rejects endpoints that would send patient text off-host.
func requireLocalURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q", field, raw)
	}
	host := u.Hostname()
	switch host {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return nil
	}
	return fmt.Errorf("%s: %q is not a local endpoint; only local providers are permitted", field, raw)
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHARTQUERY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("CHARTQUERY_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("VECTOR_DB_TYPE"); v != "" {
		cfg.VectorDB.Type = v
	}

	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}

	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
