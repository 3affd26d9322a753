package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// AMQP (empty URL disables the email channel)
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Mailer
	SendgridAPIKey string
	EmailFromName  string
	EmailFromAddr  string
	AppBaseURL     string

	// Google Sheets export (empty spreadsheet ID disables it)
	GoogleSpreadsheetID   string
	GoogleSheetName       string
	GoogleCredentialsFile string

	// Billing worker
	GenerateInterval time.Duration
	AlertInterval    time.Duration
	BatchParallelism int

	// Alert rules
	DueSoonWindowDays     int
	AbsenceAlertThreshold int
	AbsenceFineThreshold  int
	AbsenceFineCents      int64

	// Summary cache
	SummaryCacheSize int
	SummaryCacheTTL  time.Duration

	// Auth
	StaffTokens string // comma-separated token=userID pairs
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8081"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/bursar.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "bursar"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "notification_emails"),

		SendgridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Bursar"),
		EmailFromAddr:  getEnv("EMAIL_FROM_ADDR", "noreply@example.com"),
		AppBaseURL:     getEnv("APP_BASE_URL", "https://app.example.com"),

		GoogleSpreadsheetID:   getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:       getEnv("GOOGLE_SHEET_NAME", "Collections"),
		GoogleCredentialsFile: getEnv("GOOGLE_CREDENTIALS_FILE", ""),

		GenerateInterval: getEnvDuration("GENERATE_INTERVAL", time.Hour),
		AlertInterval:    getEnvDuration("ALERT_INTERVAL", 30*time.Minute),
		BatchParallelism: getEnvInt("BATCH_PARALLELISM", 8),

		DueSoonWindowDays:     getEnvInt("DUE_SOON_WINDOW_DAYS", 3),
		AbsenceAlertThreshold: getEnvInt("ABSENCE_ALERT_THRESHOLD", 2),
		AbsenceFineThreshold:  getEnvInt("ABSENCE_FINE_THRESHOLD", 3),
		AbsenceFineCents:      int64(getEnvInt("ABSENCE_FINE_CENTS", 500)),

		SummaryCacheSize: getEnvInt("SUMMARY_CACHE_SIZE", 512),
		SummaryCacheTTL:  getEnvDuration("SUMMARY_CACHE_TTL", time.Minute),

		StaffTokens: getEnv("STAFF_TOKENS", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleSpreadsheetID != "" {
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when a spreadsheet ID is configured")
		}
		if c.GoogleCredentialsFile == "" {
			errors = append(errors, "GOOGLE_CREDENTIALS_FILE is required when a spreadsheet ID is configured")
		} else if _, err := os.Stat(c.GoogleCredentialsFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google credentials file does not exist: %s", c.GoogleCredentialsFile))
		}
	}

	if c.GenerateInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid generate interval %v: must be at least 1 second", c.GenerateInterval))
	}
	if c.AlertInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid alert interval %v: must be at least 1 second", c.AlertInterval))
	}
	if c.BatchParallelism < 1 {
		errors = append(errors, fmt.Sprintf("invalid batch parallelism %d: must be at least 1", c.BatchParallelism))
	} else if c.BatchParallelism > 256 {
		errors = append(errors, fmt.Sprintf("invalid batch parallelism %d: must be at most 256", c.BatchParallelism))
	}

	if c.DueSoonWindowDays < 0 {
		errors = append(errors, fmt.Sprintf("invalid due-soon window %d: cannot be negative", c.DueSoonWindowDays))
	}
	if c.AbsenceAlertThreshold < 1 {
		errors = append(errors, fmt.Sprintf("invalid absence alert threshold %d: must be at least 1", c.AbsenceAlertThreshold))
	}
	if c.AbsenceFineThreshold < 1 {
		errors = append(errors, fmt.Sprintf("invalid absence fine threshold %d: must be at least 1", c.AbsenceFineThreshold))
	}
	if c.AbsenceFineCents < 0 {
		errors = append(errors, fmt.Sprintf("invalid absence fine amount %d: cannot be negative", c.AbsenceFineCents))
	}

	if c.SummaryCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid summary cache size %d: must be at least 1", c.SummaryCacheSize))
	}

	if c.StaffTokens != "" {
		for _, pair := range strings.Split(c.StaffTokens, ",") {
			if !strings.Contains(pair, "=") || strings.HasPrefix(pair, "=") || strings.HasSuffix(pair, "=") {
				errors = append(errors, fmt.Sprintf("invalid staff token entry '%s': expected token=user_id", pair))
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// StaffTokenMap parses STAFF_TOKENS into token → user ID.
func (c *Config) StaffTokenMap() map[string]string {
	out := make(map[string]string)
	if c.StaffTokens == "" {
		return out
	}
	for _, pair := range strings.Split(c.StaffTokens, ",") {
		token, userID, ok := strings.Cut(pair, "=")
		if !ok || token == "" || userID == "" {
			continue
		}
		out[strings.TrimSpace(token)] = strings.TrimSpace(userID)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
