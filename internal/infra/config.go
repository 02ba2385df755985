package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment
// variables. Provider credentials are injected here once at process start;
// nothing below reads the environment directly.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Object storage. Backend is "filesystem" or "s3".
	StorageBackend string
	StoragePath    string
	StorageBaseURL string
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Endpoint     string

	// Prompt synthesizer (vision text model + fallback).
	PromptAPIKey          string
	PromptModel           string
	PromptBaseURL         string
	PromptFallbackAPIKey  string
	PromptFallbackModel   string
	PromptFallbackBaseURL string

	// Background segmentation model.
	SegmentAPIKey  string
	SegmentBaseURL string
	SegmentModel   string

	// Image synthesizer, primary and secondary providers.
	SynthAPIKey           string
	SynthBaseURL          string
	SynthModel            string
	SynthFallbackAPIKey   string
	SynthFallbackBaseURL  string
	SynthFallbackModel    string
	SynthPollInterval     time.Duration
	SynthMaxPollAttempts  int
	SynthWallClockCeiling time.Duration

	// Pipeline behaviour.
	CreditCost       int
	StuckJobAfter    time.Duration
	CompositorCellPx int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from the environment, consulting .env files
// when present, and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		DBMinConns:  getEnvInt("DB_MIN_CONNS", 1),

		StorageBackend: getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3AccessKey:    os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("S3_SECRET_KEY"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),

		PromptAPIKey:          os.Getenv("PROMPT_API_KEY"),
		PromptModel:           getEnv("PROMPT_MODEL", "gemini-1.5-flash"),
		PromptBaseURL:         getEnv("PROMPT_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		PromptFallbackAPIKey:  os.Getenv("PROMPT_FALLBACK_API_KEY"),
		PromptFallbackModel:   getEnv("PROMPT_FALLBACK_MODEL", "gpt-4o-mini"),
		PromptFallbackBaseURL: getEnv("PROMPT_FALLBACK_BASE_URL", "https://api.openai.com/v1"),

		SegmentAPIKey:  os.Getenv("SEGMENT_API_KEY"),
		SegmentBaseURL: getEnv("SEGMENT_BASE_URL", "https://api.replicate.com/v1"),
		SegmentModel:   getEnv("SEGMENT_MODEL", "background-remover"),

		SynthAPIKey:           os.Getenv("SYNTH_API_KEY"),
		SynthBaseURL:          getEnv("SYNTH_BASE_URL", "https://api.replicate.com/v1"),
		SynthModel:            getEnv("SYNTH_MODEL", "flux-pro"),
		SynthFallbackAPIKey:   os.Getenv("SYNTH_FALLBACK_API_KEY"),
		SynthFallbackBaseURL:  getEnv("SYNTH_FALLBACK_BASE_URL", "https://api.replicate.com/v1"),
		SynthFallbackModel:    getEnv("SYNTH_FALLBACK_MODEL", "sdxl"),
		SynthPollInterval:     time.Second * time.Duration(getEnvInt("SYNTH_POLL_INTERVAL_SECONDS", 2)),
		SynthMaxPollAttempts:  getEnvInt("SYNTH_MAX_POLL_ATTEMPTS", 240),
		SynthWallClockCeiling: time.Minute * time.Duration(getEnvInt("SYNTH_WALL_CLOCK_MINUTES", 8)),

		CreditCost:       getEnvInt("CREDIT_COST_PER_GENERATION", 1),
		StuckJobAfter:    time.Minute * time.Duration(getEnvInt("STUCK_JOB_MINUTES", 10)),
		CompositorCellPx: getEnvInt("COMPOSITOR_CELL_PX", 768),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 600)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required for the s3 storage backend")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
