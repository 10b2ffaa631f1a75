// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Capability providers.
const (
	ProviderRules  = "rules"
	ProviderOpenAI = "openai"
	ProviderRemote = "remote"
)

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	DBPath            string
	SessionRetention  time.Duration
	RetentionSchedule string
	BusyPolicy        string
	SchemaPath        string
	PortfolioPath     string
	Profile           ProfileConfig
	Capability        CapabilityConfig
	OpenAI            OpenAIConfig
	RateLimit         RateLimitConfig
	ConversationLog   ConversationLogConfig
}

// ProfileConfig tunes slot filling and history.
type ProfileConfig struct {
	TurnBudget    int
	HistoryWindow int
	HistoryLimit  int
	MinConfidence float64
}

// CapabilityConfig selects and bounds the capability provider.
type CapabilityConfig struct {
	Provider          string
	Addr              string
	Timeout           time.Duration
	ClassifierTimeout time.Duration
	MaxInFlight       int
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// RateLimitConfig bounds requests per user.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/advisor.db"),
		SessionRetention:  getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
		RetentionSchedule: getEnv("RETENTION_SCHEDULE", "@every 15m"),
		BusyPolicy:        getEnv("SESSION_BUSY_POLICY", "wait"),
		SchemaPath:        getEnv("SCHEMA_PATH", ""),
		PortfolioPath:     getEnv("PORTFOLIO_PATH", ""),
		Profile: ProfileConfig{
			TurnBudget:    getEnvInt("PROFILE_TURN_BUDGET", 15),
			HistoryWindow: getEnvInt("HISTORY_WINDOW", 10),
			HistoryLimit:  getEnvInt("HISTORY_LIMIT", 50),
			MinConfidence: getEnvFloat("CLASSIFIER_MIN_CONFIDENCE", 0.3),
		},
		Capability: CapabilityConfig{
			Provider:          strings.ToLower(getEnv("CAPABILITY_PROVIDER", ProviderRules)),
			Addr:              getEnv("CAPABILITY_ADDR", ""),
			Timeout:           getEnvDuration("CAPABILITY_TIMEOUT", 20*time.Second),
			ClassifierTimeout: getEnvDuration("CLASSIFIER_TIMEOUT", 5*time.Second),
			MaxInFlight:       getEnvInt("CAPABILITY_MAX_INFLIGHT", 64),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 2),
			Burst: getEnvInt("RATE_LIMIT_BURST", 5),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0")
	}
	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		return fmt.Errorf("RETENTION_SCHEDULE is invalid: %w", err)
	}
	switch c.BusyPolicy {
	case "wait", "fail":
	default:
		return fmt.Errorf("SESSION_BUSY_POLICY must be wait or fail, got %q", c.BusyPolicy)
	}
	if c.Profile.TurnBudget <= 0 {
		return fmt.Errorf("PROFILE_TURN_BUDGET must be > 0")
	}
	if c.Profile.HistoryWindow <= 0 || c.Profile.HistoryLimit < c.Profile.HistoryWindow {
		return fmt.Errorf("HISTORY_LIMIT must be >= HISTORY_WINDOW > 0")
	}
	if c.Profile.MinConfidence < 0 || c.Profile.MinConfidence > 1 {
		return fmt.Errorf("CLASSIFIER_MIN_CONFIDENCE must be within [0, 1]")
	}
	switch c.Capability.Provider {
	case ProviderRules:
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderRemote:
		if c.Capability.Addr == "" {
			return fmt.Errorf("CAPABILITY_ADDR is required for the remote provider")
		}
	default:
		return fmt.Errorf("CAPABILITY_PROVIDER must be rules, openai or remote, got %q", c.Capability.Provider)
	}
	if c.Capability.Timeout <= 0 || c.Capability.ClassifierTimeout <= 0 {
		return fmt.Errorf("CAPABILITY_TIMEOUT and CLASSIFIER_TIMEOUT must be > 0")
	}
	if c.Capability.MaxInFlight <= 0 {
		return fmt.Errorf("CAPABILITY_MAX_INFLIGHT must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
