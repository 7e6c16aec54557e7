// Package config handles Muster configuration
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds Muster configuration
type Config struct {
	// Application database (tasks, agents, events, conversations)
	DBPath string

	// DBOS system database for durable workflow state
	DBOSDatabaseURL string
	AppName         string

	// HTTP API
	HTTPAddr      string
	StreamTimeout time.Duration

	// LLM provider settings
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string

	// Run defaults, overridable per agent and per task
	MaxIterations  int
	TimeoutSeconds int
	BudgetUSD      float64

	// ExhaustionPolicy: "fail" or "complete"
	ExhaustionPolicy string

	// Cost budget enforcement across runs
	CostBudgetEnabled bool
	CostHourlyLimit   float64
	CostDailyLimit    float64

	// Webhook notification settings
	WebhookURL    string
	WebhookSecret string

	Verbose bool
}

// Load loads configuration from .env (if present), environment, and
// defaults.
func Load() (*Config, error) {
	// Missing .env is fine; environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:           "muster.db",
		AppName:          "muster",
		HTTPAddr:         ":8080",
		StreamTimeout:    10 * time.Minute,
		LLMProvider:      "openai",
		MaxIterations:    20,
		TimeoutSeconds:   600,
		ExhaustionPolicy: "fail",
		CostHourlyLimit:  5.0,
		CostDailyLimit:   25.0,
	}

	// Environment overrides
	if v := os.Getenv("MUSTER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("MUSTER_DBOS_DATABASE_URL"); v != "" {
		cfg.DBOSDatabaseURL = v
	} else if v := os.Getenv("DBOS_SYSTEM_DATABASE_URL"); v != "" {
		cfg.DBOSDatabaseURL = v
	}
	if v := os.Getenv("MUSTER_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("MUSTER_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("MUSTER_STREAM_TIMEOUT"); v != "" {
		cfg.StreamTimeout = parseDurationOrDefault(v, 10*time.Minute)
	}
	if v := os.Getenv("MUSTER_LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("MUSTER_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("MUSTER_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("MUSTER_MAX_ITERATIONS"); v != "" {
		cfg.MaxIterations = parseIntOrDefault(v, 20)
	}
	if v := os.Getenv("MUSTER_TIMEOUT_SECONDS"); v != "" {
		cfg.TimeoutSeconds = parseIntOrDefault(v, 600)
	}
	if v := os.Getenv("MUSTER_BUDGET_USD"); v != "" {
		cfg.BudgetUSD = parseFloatOrDefault(v, 0)
	}
	if v := os.Getenv("MUSTER_EXHAUSTION_POLICY"); v != "" {
		cfg.ExhaustionPolicy = v
	}
	if v := os.Getenv("MUSTER_COST_BUDGET_ENABLED"); v != "" {
		cfg.CostBudgetEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MUSTER_COST_HOURLY_LIMIT"); v != "" {
		cfg.CostHourlyLimit = parseFloatOrDefault(v, 5.0)
	}
	if v := os.Getenv("MUSTER_COST_DAILY_LIMIT"); v != "" {
		cfg.CostDailyLimit = parseFloatOrDefault(v, 25.0)
	}
	if v := os.Getenv("MUSTER_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("MUSTER_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("MUSTER_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.ExhaustionPolicy {
	case "fail", "complete":
	default:
		return fmt.Errorf("invalid MUSTER_EXHAUSTION_POLICY %q (want fail or complete)", c.ExhaustionPolicy)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MUSTER_MAX_ITERATIONS must be positive")
	}
	return nil
}

func parseIntOrDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloatOrDefault(s string, def float64) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}
