// Package config manages auditcore configuration.
//
// Configuration comes from the environment, optionally seeded from a .env
// file in the working directory or DATA_PATH. Per-audit overrides arrive in
// the start request and are merged into the session config by the
// orchestrator; nothing here mutates after Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/models"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost string
	ListenPort int
	DataPath   string

	// Logging
	LogLevel  string
	LogFormat string

	// Collaborator endpoints
	IndexerURL   string
	RetrievalURL string
	SandboxURL   string

	// Completion provider defaults (overridable per session)
	LLMProvider string
	LLMModel    string
	APIKey      string
	LLMBaseURL  string

	// Pipeline defaults
	MaxConcurrentAgents int
	SandboxSlots        int
	EnableVerification  bool
	VerifyThreshold     float64
	RetrievalTopK       int
	CompletionTimeout   time.Duration
	SandboxTimeout      time.Duration
	RetryAttempts       int
	RetentionDays       int
}

// Defaults mirrored in SessionConfig when the start request leaves a field
// unset.
const (
	DefaultMaxConcurrentAgents = 3
	DefaultSandboxSlots        = 1
	DefaultVerifyThreshold     = 0.5
	DefaultRetrievalTopK       = 5
	DefaultCompletionTimeout   = 30 * time.Second
	DefaultSandboxTimeout      = 30 * time.Second
	DefaultRetryAttempts       = 3
	DefaultRetentionDays       = 90
)

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (*Config, error) {
	dataPath := envString("DATA_PATH", "/var/lib/auditcore")

	for _, p := range []string{".env", filepath.Join(dataPath, ".env")} {
		if err := godotenv.Load(p); err == nil {
			log.Debug().Str("path", p).Msg("Loaded environment file")
			break
		}
	}

	cfg := &Config{
		ListenHost: envString("AUDITCORE_HOST", "0.0.0.0"),
		ListenPort: envInt("AUDITCORE_PORT", 7820),
		DataPath:   dataPath,

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "auto"),

		IndexerURL:   envString("INDEXER_URL", "http://127.0.0.1:7821"),
		RetrievalURL: envString("RETRIEVAL_URL", "http://127.0.0.1:7822"),
		SandboxURL:   envString("SANDBOX_URL", "http://127.0.0.1:7823"),

		LLMProvider: envString("LLM_PROVIDER", ""),
		LLMModel:    envString("LLM_MODEL", ""),
		APIKey:      envString("LLM_API_KEY", ""),
		LLMBaseURL:  envString("LLM_BASE_URL", ""),

		MaxConcurrentAgents: envInt("MAX_CONCURRENT_AGENTS", DefaultMaxConcurrentAgents),
		SandboxSlots:        envInt("SANDBOX_SLOTS", DefaultSandboxSlots),
		EnableVerification:  envBool("ENABLE_VERIFICATION", false),
		VerifyThreshold:     envFloat("VERIFY_THRESHOLD", DefaultVerifyThreshold),
		RetrievalTopK:       envInt("RETRIEVAL_TOP_K", DefaultRetrievalTopK),
		CompletionTimeout:   envDuration("COMPLETION_TIMEOUT", DefaultCompletionTimeout),
		SandboxTimeout:      envDuration("SANDBOX_TIMEOUT", DefaultSandboxTimeout),
		RetryAttempts:       envInt("RETRY_ATTEMPTS", DefaultRetryAttempts),
		RetentionDays:       envInt("RETENTION_DAYS", DefaultRetentionDays),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid port: %d", c.ListenPort)
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrent_agents must be >= 1, got %d", c.MaxConcurrentAgents)
	}
	if c.SandboxSlots < 1 {
		return fmt.Errorf("sandbox_slots must be >= 1, got %d", c.SandboxSlots)
	}
	if c.VerifyThreshold < 0 || c.VerifyThreshold > 1 {
		return fmt.Errorf("verify_threshold must be in [0,1], got %v", c.VerifyThreshold)
	}
	if c.RetrievalTopK < 1 {
		return fmt.Errorf("retrieval_top_k must be >= 1, got %d", c.RetrievalTopK)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1, got %d", c.RetryAttempts)
	}
	return nil
}

// SessionDefaults builds the session config used when a start request omits
// a field.
func (c *Config) SessionDefaults() models.SessionConfig {
	return models.SessionConfig{
		LLMProvider:          c.LLMProvider,
		LLMModel:             c.LLMModel,
		APIKey:               c.APIKey,
		BaseURL:              c.LLMBaseURL,
		MaxConcurrentAgents:  c.MaxConcurrentAgents,
		EnableRecon:          true,
		EnableVerification:   c.EnableVerification,
		VerifyThreshold:      c.VerifyThreshold,
		RetrievalTopK:        c.RetrievalTopK,
		CompletionTimeoutSec: int(c.CompletionTimeout / time.Second),
		SandboxTimeoutSec:    int(c.SandboxTimeout / time.Second),
		RetryAttempts:        c.RetryAttempts,
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float in environment, using default")
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Accept bare seconds for compatibility with older deployments.
		if n, err2 := strconv.Atoi(v); err2 == nil {
			return time.Duration(n) * time.Second
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return def
	}
	return d
}
