package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	MetricsPort  string
	LogLevel     string
	JWTSecret    string

	ChatModel      string
	ReasoningModel string
	ArtifactModel  string
	TitleModel     string

	// CommitQuietPeriod is how long document edits must pause before they
	// are committed as a new version.
	CommitQuietPeriod time.Duration
	SnapshotCacheSize int
	MaxToolSteps      int
}

func LoadConfig() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Debug("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:       getEnv("DATABASE_URL", "artifact_chat.db"),
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		MetricsPort:       getEnv("METRICS_PORT", "2112"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		ChatModel:         getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		ReasoningModel:    getEnv("REASONING_MODEL", "gemini-2.0-flash-thinking-exp-01-21"),
		ArtifactModel:     getEnv("ARTIFACT_MODEL", "gemini-1.5-flash-latest"),
		TitleModel:        getEnv("TITLE_MODEL", "gemini-1.5-flash-latest"),
		CommitQuietPeriod: getEnvAsDuration("COMMIT_QUIET_PERIOD", 2*time.Second),
		SnapshotCacheSize: getEnvAsInt("SNAPSHOT_CACHE_SIZE", 1024),
		MaxToolSteps:      getEnvAsInt("MAX_TOOL_STEPS", 5),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}
	if cfg.MaxToolSteps < 1 {
		return nil, errors.Errorf("MAX_TOOL_STEPS must be positive, got %d", cfg.MaxToolSteps)
	}
	return cfg, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return defaultValue
}
