package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Ollama    OllamaConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Vector    VectorConfig
	Qdrant    QdrantConfig
	PGVector  PGVectorConfig
	Storage   StorageConfig
	Chunk     ChunkConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Timeout   TimeoutConfig
	Telegram  TelegramConfig
}

type ServerConfig struct {
	Port int
	Bind string
	// APIToken, when set, is required as a bearer token on every HTTP route
	// except /health.
	APIToken string
}

type LogConfig struct {
	Level string
}

type OllamaConfig struct {
	BaseURL string
}

type EmbeddingConfig struct {
	Model       string
	BatchSize   int
	MaxAttempts int
}

type LLMConfig struct {
	// Provider is "openrouter" or "local" (chat through Ollama).
	Provider          string
	Model             string
	BaseURL           string
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64
	OpenRouterAPIKey  string
}

type VectorConfig struct {
	// Backend is "sqlite", "qdrant" or "pgvector".
	Backend string
	// Index names the Qdrant collection or pgvector table.
	Index string
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type PGVectorConfig struct {
	DSN string
}

type StorageConfig struct {
	DataDir string
	PDFDir  string
	Watch   bool
}

type ChunkConfig struct {
	Size    int
	MinSize int
	MaxSize int
	Overlap float64
}

type RetrievalConfig struct {
	TopK               int
	PrimaryThreshold   float64
	SecondaryThreshold float64
	MinCount           int
}

type IngestConfig struct {
	Concurrency int
}

type TimeoutConfig struct {
	Extraction time.Duration
	Embedding  time.Duration
	Vector     time.Duration
	Generation time.Duration
}

type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
	APIBaseURL    string
}

// Enabled reports whether the Telegram bridge has what it needs to run.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.WebhookSecret != ""
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// SlogLevel maps the configured level name to a slog.Level. Unknown names
// yield Info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8000,
			Bind: "127.0.0.1",
		},
		Log: LogConfig{Level: "info"},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Model:       "all-minilm",
			BatchSize:   32,
			MaxAttempts: 3,
		},
		LLM: LLMConfig{
			Provider:          "openrouter",
			Model:             "openrouter/auto",
			BaseURL:           "https://openrouter.ai/api/v1",
			Temperature:       0.3,
			MaxTokens:         1000,
			RequestsPerSecond: 2,
		},
		Vector: VectorConfig{
			Backend: "sqlite",
			Index:   "medrag-index",
		},
		Qdrant: QdrantConfig{URL: "http://localhost:6333"},
		Storage: StorageConfig{
			DataDir: dataDir,
			PDFDir:  filepath.Join(dataDir, "pdfs"),
		},
		Chunk: ChunkConfig{
			Size:    400,
			MinSize: 300,
			MaxSize: 500,
			Overlap: 0.2,
		},
		Retrieval: RetrievalConfig{
			TopK:               8,
			PrimaryThreshold:   0.75,
			SecondaryThreshold: 0.6,
			MinCount:           2,
		},
		Ingest: IngestConfig{Concurrency: 4},
		Timeout: TimeoutConfig{
			Extraction: 60 * time.Second,
			Embedding:  30 * time.Second,
			Vector:     15 * time.Second,
			Generation: 60 * time.Second,
		},
		Telegram: TelegramConfig{APIBaseURL: "https://api.telegram.org"},
	}
}

// Load reads configuration from the YAML file backend, a .env file in the
// working directory, and environment variables.
//
// The file lives at $XDG_CONFIG_HOME/medrag/config.yaml. Variables in .env
// never override ones already set in the process environment. Environment
// variables (MEDRAG_*) override file values, and secrets are read from the
// environment only.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openrouter":
		if c.LLM.OpenRouterAPIKey == "" {
			errs = append(errs, errors.New("missing required config: OpenRouter API key. "+
				"Set it via environment variable MEDRAG_OPENROUTER_API_KEY or set llm.provider to local"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openrouter or local, got %q", c.LLM.Provider))
	}

	switch c.Vector.Backend {
	case "sqlite":
	case "qdrant":
		if c.Qdrant.URL == "" {
			errs = append(errs, errors.New("qdrant.url is required for the qdrant backend"))
		}
	case "pgvector":
		if c.PGVector.DSN == "" {
			errs = append(errs, errors.New("missing required config: set MEDRAG_PGVECTOR_DSN for the pgvector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector.backend must be sqlite, qdrant or pgvector, got %q", c.Vector.Backend))
	}

	if c.Retrieval.PrimaryThreshold < c.Retrieval.SecondaryThreshold {
		errs = append(errs, fmt.Errorf("retrieval.primary_threshold %.2f is below retrieval.secondary_threshold %.2f",
			c.Retrieval.PrimaryThreshold, c.Retrieval.SecondaryThreshold))
	}
	if c.Retrieval.MinCount < 1 {
		errs = append(errs, errors.New("retrieval.min_count must be at least 1"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, errors.New("retrieval.top_k must be at least 1"))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("chunk.overlap must be in [0, 1), got %v", c.Chunk.Overlap))
	}
	if c.Chunk.MinSize > c.Chunk.MaxSize {
		errs = append(errs, errors.New("chunk.min_size exceeds chunk.max_size"))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "medrag-data"
		}
	}
	return filepath.Join(dir, "medrag")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "medrag", "config.yaml")
}
