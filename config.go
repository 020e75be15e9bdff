package ragforge

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the RagForge engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.ragforge/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "ragforge". The file will be <DBName>.db inside the
	// storage directory (~/.ragforge/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.ragforge/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// Embedding is the provider used to turn field text into vectors.
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Retrieval weights for the RRF fallback search mode.
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`

	// Chunking thresholds used when a parser's NodeTypeDefinition doesn't
	// declare its own ChunkingConfig.
	ChunkTriggerChars int `json:"chunk_trigger_chars" yaml:"chunk_trigger_chars"`
	ChunkTargetChars  int `json:"chunk_target_chars" yaml:"chunk_target_chars"`
	ChunkOverlapChars int `json:"chunk_overlap_chars" yaml:"chunk_overlap_chars"`

	// WatchDebounce is how long the watcher waits after the last event on a
	// path before emitting a coalesced change.
	WatchDebounce time.Duration `json:"watch_debounce" yaml:"watch_debounce"`

	// EmbeddingBatchSize bounds how many chunks are sent to the embedding
	// provider in a single request.
	EmbeddingBatchSize int `json:"embedding_batch_size" yaml:"embedding_batch_size"`

	// LockTimeout bounds how long a caller waits to acquire the ingestion or
	// embedding lock before failing with KindLockTimeout. Per-batch timeouts
	// scale above this via lock.BatchTimeout.
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// EmbeddingDim is the vector width produced by the embedding model; it
	// must match the model configured above and is fixed for the lifetime of
	// a database (sqlite-vec's vec0 tables are dimension-fixed at creation).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.ragforge/ragforge.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "ragforge",
		StorageDir: "home",
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		WeightVector:       1.0,
		WeightFTS:          1.0,
		ChunkTriggerChars:  3000,
		ChunkTargetChars:   2000,
		ChunkOverlapChars:  200,
		WatchDebounce:      500 * time.Millisecond,
		EmbeddingBatchSize: 500,
		LockTimeout:        30 * time.Second,
		EmbeddingDim:       768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "ragforge"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".ragforge")
		return filepath.Join(dir, name+".db")
	}
}
