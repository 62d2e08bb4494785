// Package config loads runtime settings from the environment and .env.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Environment string
	Port        int

	DatabasePath string
	RulesFile    string

	LogFormat string
	LogLevel  string

	// MissingCellPolicy is "zero" or "strict", see billing.MissingCellPolicy.
	MissingCellPolicy string
	AlertThreshold    string

	CORSOrigins    []string
	MetricsEnabled bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	defaultFormat := "human"
	if environment == "production" {
		defaultFormat = "json"
	}

	return Config{
		Environment:       environment,
		Port:              getenvInt("PORT", 8080),
		DatabasePath:      getenv("DATABASE_PATH", "budget.db"),
		RulesFile:         strings.TrimSpace(getenv("RULES_FILE", "")),
		LogFormat:         strings.ToLower(getenv("LOG_FORMAT", defaultFormat)),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		MissingCellPolicy: strings.ToLower(getenv("BILL_MISSING_CELL_POLICY", "zero")),
		AlertThreshold:    getenv("ALERT_THRESHOLD", "90"),
		CORSOrigins:       parseList(getenv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		MetricsEnabled:    getenvBool("METRICS_ENABLED", true),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
