// Package config loads the pipeline's runtime settings from the
// environment, the way the teacher's cmd/discord-voice-mcp/main.go does
// it: godotenv.Load() followed by plain os.Getenv reads. Config loading
// is an external-collaborator concern (spec.md §1 Non-goals), so this
// package is deliberately thin: a flat struct and a FromEnv constructor,
// no validation framework.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is every environment-tunable setting the pipeline binary needs.
type Config struct {
	LogLevel string

	PostgresDSN string

	ChunkStoreDir string

	VectorStorePath string

	LLMBaseURL     string
	LLMModel       string
	LLMTimeout     time.Duration

	EmbeddingModel  string
	EmbeddingDevice string

	RerankerModel string

	TranscriberBackend string // "gpu-whisper" (default) or "faster-whisper"
	WhisperModelPath   string
	FasterWhisperModel string

	GPUArbiterSeed int64
}

// FromEnv reads Config from the process environment, applying the same
// defaults the teacher's main.go falls back to when a variable is unset.
func FromEnv() Config {
	return Config{
		LogLevel: getenv("LOG_LEVEL", "info"),

		PostgresDSN: getenv("DATABASE_URL", "postgres://localhost:5432/meeting_pipeline?sslmode=disable"),

		ChunkStoreDir: getenv("CHUNK_STORE_DIR", "./data/chunks"),

		VectorStorePath: getenv("VECTOR_STORE_PATH", "./data/vectors"),

		LLMBaseURL: getenv("LLM_BASE_URL", "http://localhost:11434/api/chat"),
		LLMModel:   getenv("LLM_MODEL", "llama3"),
		LLMTimeout: getenvDuration("LLM_TIMEOUT", 60*time.Second),

		EmbeddingModel:  getenv("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
		EmbeddingDevice: getenv("EMBEDDING_DEVICE", "auto"),

		RerankerModel: getenv("RERANKER_MODEL", "cross-encoder/ms-marco-MiniLM-L-6-v2"),

		TranscriberBackend: getenv("TRANSCRIBER_BACKEND", "gpu-whisper"),
		WhisperModelPath:   getenv("WHISPER_MODEL_PATH", ""),
		FasterWhisperModel: getenv("FASTER_WHISPER_MODEL", "base.en"),

		GPUArbiterSeed: getenvInt64("GPU_ARBITER_SEED", 0),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
