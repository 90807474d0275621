package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string

	// Security
	EncryptionKey string // 32-byte URL-safe base64 key for passwords and tokens

	// Database
	DatabaseURL string
	SQLitePath  string

	// RabbitMQ
	RabbitMQURL string

	// Google OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	GoogleScopes       []string

	// Sync
	MaxConcurrentSyncs  int
	DefaultSyncWindow   int // days
	DefaultSyncInterval int // minutes
	MisfireGrace        time.Duration
	SyncLogRetentionDays int
	CleanupInterval     time.Duration

	// CalDAV
	CalDAVConnectTimeout time.Duration
	CalDAVReadTimeout    time.Duration

	// Google Calendar
	GoogleRequestTimeout time.Duration
	GoogleRateLimitDelay time.Duration
	GoogleMaxRetries     int
	GoogleMaxResults     int

	// Webhooks
	WebhookTimeout             time.Duration
	WebhookMaxRetries          int
	WebhookRetryDelays         []time.Duration
	WebhookIncludeEventDetails bool
	WebhookRetryRetentionDays  int

	// Daemon
	HealthAddr    string
	StatsInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		EncryptionKey: getEnv("DAVSYNC_ENCRYPTION_KEY", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("DAVSYNC_SQLITE_PATH", defaultSQLitePath()),

		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8000/oauth/callback"),
		GoogleScopes:       getListEnv("GOOGLE_SCOPES", []string{"https://www.googleapis.com/auth/calendar"}),

		MaxConcurrentSyncs:   getIntEnv("MAX_CONCURRENT_SYNCS", 5),
		DefaultSyncWindow:    getIntEnv("DEFAULT_SYNC_WINDOW_DAYS", 30),
		DefaultSyncInterval:  getIntEnv("DEFAULT_SYNC_INTERVAL_MINUTES", 5),
		MisfireGrace:         getDurationEnv("SCHEDULER_MISFIRE_GRACE", 5*time.Minute),
		SyncLogRetentionDays: getIntEnv("SYNC_LOG_RETENTION_DAYS", 30),
		CleanupInterval:      getDurationEnv("CLEANUP_INTERVAL", 24*time.Hour),

		CalDAVConnectTimeout: getDurationEnv("CALDAV_CONNECT_TIMEOUT", 30*time.Second),
		CalDAVReadTimeout:    getDurationEnv("CALDAV_READ_TIMEOUT", 60*time.Second),

		GoogleRequestTimeout: getDurationEnv("GOOGLE_REQUEST_TIMEOUT", 30*time.Second),
		GoogleRateLimitDelay: getDurationEnv("GOOGLE_RATE_LIMIT_DELAY", 100*time.Millisecond),
		GoogleMaxRetries:     getIntEnv("GOOGLE_MAX_RETRIES", 3),
		GoogleMaxResults:     getIntEnv("GOOGLE_MAX_RESULTS", 2500),

		WebhookTimeout:             getDurationEnv("WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMaxRetries:          getIntEnv("WEBHOOK_MAX_RETRIES", 3),
		WebhookRetryDelays:         getDurationListEnv("WEBHOOK_RETRY_DELAYS", []time.Duration{30 * time.Second, 5 * time.Minute, 30 * time.Minute}),
		WebhookIncludeEventDetails: getBoolEnv("WEBHOOK_INCLUDE_EVENT_DETAILS", true),
		WebhookRetryRetentionDays:  getIntEnv("WEBHOOK_RETRY_RETENTION_DAYS", 7),

		HealthAddr:    getEnv("HEALTH_ADDR", "0.0.0.0:8081"),
		StatsInterval: getDurationEnv("STATS_INTERVAL", 30*time.Second),
	}

	return cfg, nil
}

// Validate checks settings that must be present before the process may start.
func (c *Config) Validate() error {
	var missing []string
	if c.EncryptionKey == "" {
		missing = append(missing, "DAVSYNC_ENCRYPTION_KEY")
	}
	if c.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func defaultSQLitePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return homeDir + "/.davsync/data.db"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDurationListEnv(key string, defaultValue []time.Duration) []time.Duration {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]time.Duration, 0, len(parts))
		for _, p := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(p))
			if err != nil {
				return defaultValue
			}
			out = append(out, d)
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
