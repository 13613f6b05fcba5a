package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEDRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.bind", typ: kString, env: "MEDRAG_SERVER_BIND",
		apply:   func(cfg *Config, v any) { cfg.Server.Bind = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Bind },
	},
	{
		key: "server.api_token", typ: kString, env: "MEDRAG_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "MEDRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEDRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "embedding.model", typ: kString, env: "MEDRAG_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.batch_size", typ: kInt, env: "MEDRAG_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.max_attempts", typ: kInt, env: "MEDRAG_EMBEDDING_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxAttempts },
	},
	{
		key: "llm.provider", typ: kString, env: "MEDRAG_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "MEDRAG_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.base_url", typ: kString, env: "MEDRAG_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "MEDRAG_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.max_tokens", typ: kInt, env: "MEDRAG_LLM_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.requests_per_second", typ: kFloat, env: "MEDRAG_LLM_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.LLM.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.RequestsPerSecond },
	},
	{
		key: "llm.openrouter_api_key", typ: kString, env: "MEDRAG_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "vector.backend", typ: kString, env: "MEDRAG_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.index", typ: kString, env: "MEDRAG_VECTOR_INDEX",
		apply:   func(cfg *Config, v any) { cfg.Vector.Index = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Index },
	},
	{
		key: "qdrant.url", typ: kString, env: "MEDRAG_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "MEDRAG_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "pgvector.dsn", typ: kString, env: "MEDRAG_PGVECTOR_DSN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.PGVector.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.PGVector.DSN },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.pdf_dir", typ: kString, env: "MEDRAG_STORAGE_PDF_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.PDFDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PDFDir },
	},
	{
		key: "storage.watch", typ: kBool, env: "MEDRAG_STORAGE_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Storage.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Storage.Watch },
	},
	{
		key: "chunk.size", typ: kInt, env: "MEDRAG_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Size },
	},
	{
		key: "chunk.min_size", typ: kInt, env: "MEDRAG_CHUNK_MIN_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MinSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MinSize },
	},
	{
		key: "chunk.max_size", typ: kInt, env: "MEDRAG_CHUNK_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.MaxSize },
	},
	{
		key: "chunk.overlap", typ: kFloat, env: "MEDRAG_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Overlap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Chunk.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MEDRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.primary_threshold", typ: kFloat, env: "MEDRAG_RETRIEVAL_PRIMARY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.PrimaryThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.PrimaryThreshold },
	},
	{
		key: "retrieval.secondary_threshold", typ: kFloat, env: "MEDRAG_RETRIEVAL_SECONDARY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SecondaryThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SecondaryThreshold },
	},
	{
		key: "retrieval.min_count", typ: kInt, env: "MEDRAG_RETRIEVAL_MIN_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinCount },
	},
	{
		key: "ingest.concurrency", typ: kInt, env: "MEDRAG_INGEST_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Concurrency },
	},
	{
		key: "timeout.extraction", typ: kDuration, env: "MEDRAG_TIMEOUT_EXTRACTION",
		apply:   func(cfg *Config, v any) { cfg.Timeout.Extraction = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeout.Extraction },
	},
	{
		key: "timeout.embedding", typ: kDuration, env: "MEDRAG_TIMEOUT_EMBEDDING",
		apply:   func(cfg *Config, v any) { cfg.Timeout.Embedding = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeout.Embedding },
	},
	{
		key: "timeout.vector", typ: kDuration, env: "MEDRAG_TIMEOUT_VECTOR",
		apply:   func(cfg *Config, v any) { cfg.Timeout.Vector = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeout.Vector },
	},
	{
		key: "timeout.generation", typ: kDuration, env: "MEDRAG_TIMEOUT_GENERATION",
		apply:   func(cfg *Config, v any) { cfg.Timeout.Generation = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Timeout.Generation },
	},
	{
		key: "telegram.api_base_url", typ: kString, env: "MEDRAG_TELEGRAM_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Telegram.APIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.APIBaseURL },
	},
	{
		key: "telegram.bot_token", typ: kString, env: "MEDRAG_TELEGRAM_BOT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.BotToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.BotToken },
	},
	{
		key: "telegram.webhook_secret", typ: kString, env: "MEDRAG_TELEGRAM_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Telegram.WebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Telegram.WebhookSecret },
	},
}

// parseValue converts raw to the Go type of t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
