package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateInstanceID creates a unique pipeline instance ID using hostname and PID
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pipeline"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// OpenAI
	OpenAIAPIKey   string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	LLMMaxRetries  int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Pipeline instance
	InstanceID string

	// Worker pool
	PoolSize      int
	PoolQueueSize int

	// Sync
	SyncInterval    time.Duration
	SyncPageSize    int
	DebounceWindow  time.Duration
	RetryTickPeriod time.Duration

	// Engine
	EngineTimeout time.Duration
	EngineVersion string
	EngineFanOut  int

	// AI budget
	AIBudgetPerSecond int

	// Backoff
	BackoffBaseSec    int
	BackoffCapSec     int
	BackoffJitter     float64
	BackoffMaxAttempt int

	// Draft policy: labels that get a reply draft
	DraftLabels []string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "mailpipe"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// OpenAI
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		LLMModel:       getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvFloat("LLM_TEMPERATURE", 0.0),
		LLMMaxRetries:  getEnvInt("LLM_MAX_RETRIES", 2),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		// Pipeline instance
		InstanceID: getEnv("INSTANCE_ID", generateInstanceID()),

		// Worker pool
		PoolSize:      getEnvInt("POOL_SIZE", 8),
		PoolQueueSize: getEnvInt("POOL_QUEUE_SIZE", 1000),

		// Sync
		SyncInterval:    time.Duration(getEnvInt("SYNC_INTERVAL_SEC", 60)) * time.Second,
		SyncPageSize:    getEnvInt("SYNC_PAGE_SIZE", 100),
		DebounceWindow:  time.Duration(getEnvInt("SYNC_DEBOUNCE_SEC", 30)) * time.Second,
		RetryTickPeriod: time.Duration(getEnvInt("RETRY_TICK_SEC", 5)) * time.Second,

		// Engine
		EngineTimeout: time.Duration(getEnvInt("ENGINE_TIMEOUT_MS", 2000)) * time.Millisecond,
		EngineVersion: getEnv("ENGINE_VERSION", "v1"),
		EngineFanOut:  getEnvInt("ENGINE_FAN_OUT", 4),

		// AI budget
		AIBudgetPerSecond: getEnvInt("AI_BUDGET_PER_SEC", 10),

		// Backoff
		BackoffBaseSec:    getEnvInt("BACKOFF_BASE_SEC", 1),
		BackoffCapSec:     getEnvInt("BACKOFF_CAP_SEC", 60),
		BackoffJitter:     getEnvFloat("BACKOFF_JITTER", 0.2),
		BackoffMaxAttempt: getEnvInt("BACKOFF_MAX_ATTEMPTS", 6),

		// Draft policy
		DraftLabels: getEnvSlice("DRAFT_LABELS", []string{"urgent", "meeting"}),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
