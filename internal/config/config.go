// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	ModelAgent ModelAgentConfig
	Pipeline   PipelineConfig
	Privacy    PrivacyConfig
	RateLimit  RateLimitConfig
	AuditLog   AuditLogConfig
}

// ModelAgentConfig points at the model sidecar. An empty Addr runs the
// platform without a model: the classifier degrades conservatively and the
// coaching responder uses templated replies.
type ModelAgentConfig struct {
	Addr            string
	ClassifyTimeout time.Duration
}

// PipelineConfig bounds one orchestration cycle.
type PipelineConfig struct {
	BranchTimeout     time.Duration
	BarrierSlack      time.Duration
	EscalationTimeout time.Duration
	EscalationWindow  time.Duration
	HistoryDepth      int
}

// PrivacyConfig controls the k-anonymity guard on analytics output.
type PrivacyConfig struct {
	MinGroupSize int
	Epsilon      float64
}

// RateLimitConfig throttles message intake per anonymous device.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// AuditLogConfig controls NDJSON audit logging of analytics access.
type AuditLogConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/careline.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		ModelAgent: ModelAgentConfig{
			Addr:            getEnv("MODEL_AGENT_ADDR", ""),
			ClassifyTimeout: getEnvDuration("MODEL_CLASSIFY_TIMEOUT", 3*time.Second),
		},
		Pipeline: PipelineConfig{
			BranchTimeout:     getEnvDuration("BRANCH_TIMEOUT", 8*time.Second),
			BarrierSlack:      getEnvDuration("BARRIER_SLACK", 2*time.Second),
			EscalationTimeout: getEnvDuration("ESCALATION_TIMEOUT", 10*time.Second),
			EscalationWindow:  getEnvDuration("ESCALATION_WINDOW", 30*time.Minute),
			HistoryDepth:      getEnvInt("HISTORY_DEPTH", 10),
		},
		Privacy: PrivacyConfig{
			MinGroupSize: getEnvInt("PRIVACY_MIN_GROUP_SIZE", 5),
			Epsilon:      getEnvFloat("PRIVACY_EPSILON", 1.0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		AuditLog: AuditLogConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", true),
			Path:      getEnv("AUDIT_LOG_PATH", "./data/logs/analytics-audit.ndjson"),
			QueueSize: queueSize,
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
	if c.Privacy.MinGroupSize < 2 {
		return fmt.Errorf("PRIVACY_MIN_GROUP_SIZE must be >= 2")
	}
	if c.Privacy.Epsilon <= 0 {
		return fmt.Errorf("PRIVACY_EPSILON must be > 0")
	}
	if c.Pipeline.BranchTimeout <= 0 {
		return fmt.Errorf("BRANCH_TIMEOUT must be > 0")
	}
	if c.AuditLog.Enabled && c.AuditLog.Path == "" {
		return fmt.Errorf("AUDIT_LOG_PATH cannot be empty when audit logging is enabled")
	}
	if c.AuditLog.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
