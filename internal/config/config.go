package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration surface of the engine, combining the
// language-model provider settings with the persistence, browser, loop, and
// safety knobs enumerated for the control surface.
type Config struct {
	LLM LLMConfig

	DatabasePath     string
	VectorPersistDir string

	APIHost string
	APIPort string

	Headless       bool
	BrowserTimeout time.Duration

	MaxRequestsPerMinute int
	MaxExplorationDepth  int
	MaxLoopIterations    int
	ConfidenceThreshold  float64

	AuthorizedDomains []string
	EnableProbing     bool
	EnableFuzzing     bool
}

// LLMConfig configures the language-model provider used by the Analyst,
// Critic, and BusinessLogic flows.
type LLMConfig struct {
	Provider string
	Model    string
	ApiKey   string

	LLMModelFast  string
	LLMModelSmart string

	BaseURL string
	Format  string

	Port     string
	BurpHost string
	BurpPort string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Load reads configuration from the environment, loading a local .env file
// first if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	llmModelFast := os.Getenv("LLM_MODEL_FAST")
	llmModelSmart := os.Getenv("LLM_MODEL_SMART")

	if llmModelFast == "" {
		return nil, errors.New("LLM_MODEL_FAST environment variable is required but not set")
	}
	if llmModelSmart == "" {
		return nil, errors.New("LLM_MODEL_SMART environment variable is required but not set")
	}

	return &Config{
		LLM: LLMConfig{
			Provider:      getEnvOrDefault("LLM_PROVIDER", "gemini"),
			Model:         os.Getenv("LLM_MODEL"),
			ApiKey:        os.Getenv("API_KEY"),
			LLMModelFast:  llmModelFast,
			LLMModelSmart: llmModelSmart,
			BaseURL:       os.Getenv("LLM_BASE_URL"),
			Format:        getEnvOrDefault("LLM_FORMAT", "openai"),
			Port:          os.Getenv("PORT"),
			BurpHost:      os.Getenv("BURP_HOST"),
			BurpPort:      os.Getenv("BURP_PORT"),
		},

		DatabasePath:     getEnvOrDefault("DATABASE_PATH", "./engine.db"),
		VectorPersistDir: getEnvOrDefault("VECTOR_PERSIST_DIR", "./vectors"),

		APIHost: getEnvOrDefault("API_HOST", "0.0.0.0"),
		APIPort: getEnvOrDefault("API_PORT", "8080"),

		Headless:       getEnvBoolOrDefault("HEADLESS", true),
		BrowserTimeout: time.Duration(getEnvIntOrDefault("BROWSER_TIMEOUT_MS", 60000)) * time.Millisecond,

		MaxRequestsPerMinute: getEnvIntOrDefault("MAX_REQUESTS_PER_MINUTE", 60),
		MaxExplorationDepth:  getEnvIntOrDefault("MAX_EXPLORATION_DEPTH", 10),
		MaxLoopIterations:    getEnvIntOrDefault("MAX_LOOP_ITERATIONS", 200),
		ConfidenceThreshold:  getEnvFloatOrDefault("CONFIDENCE_THRESHOLD", 0.7),

		AuthorizedDomains: getEnvListOrDefault("AUTHORIZED_DOMAINS"),
		EnableProbing:     getEnvBoolOrDefault("ENABLE_PROBING", true),
		EnableFuzzing:     getEnvBoolOrDefault("ENABLE_FUZZING", false),
	}, nil
}
