package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	BackendHTTP   = "http"
	BackendSheets = "sheets"
	BackendMemory = "memory"
)

type Config struct {
	// HTTP Server
	Port string

	// Database
	SQLiteDBPath string

	// Device identity, part of every idempotency key
	DeviceID  string
	SourceTag string

	// Ingestion
	IngestBackend   string
	IngestBaseURL   string
	IngestToken     string
	IngestTokenFile string
	RequestTimeout  time.Duration

	// Worker
	SyncBatchSize     int
	SyncInterval      time.Duration
	SyncConcurrency   int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RetentionAge      time.Duration
	ConnectivityProbe string

	// AMQP, optional
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets sink
	GoogleSpreadsheetID   string
	GoogleSheetName       string
	GoogleCredentialsFile string
	GoogleCredentialsJSON string

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/fintraq.db"),

		DeviceID:  getEnv("DEVICE_ID", defaultDeviceID()),
		SourceTag: getEnv("SOURCE_TAG", "ANDROID_SMS_LISTENER"),

		IngestBackend:   getEnv("INGEST_BACKEND", BackendHTTP),
		IngestBaseURL:   getEnv("INGEST_BASE_URL", ""),
		IngestToken:     getEnv("INGEST_TOKEN", ""),
		IngestTokenFile: getEnv("INGEST_TOKEN_FILE", ""),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 25*time.Second),

		SyncBatchSize:     getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncInterval:      getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncConcurrency:   getEnvInt("SYNC_CONCURRENCY", 1),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 30*time.Second),
		BackoffMax:        getEnvDuration("BACKOFF_MAX", 6*time.Hour),
		RetentionAge:      getEnvDuration("RETENTION_AGE", 90*24*time.Hour),
		ConnectivityProbe: getEnv("CONNECTIVITY_PROBE", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fintraq"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "sync_requests"),

		GoogleSpreadsheetID:   getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:       getEnv("GOOGLE_SHEET_NAME", "Captured"),
		GoogleCredentialsFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		GoogleCredentialsJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		// Check if directory exists or can be created
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if strings.TrimSpace(c.DeviceID) == "" {
		errors = append(errors, "device ID cannot be empty")
	}

	validBackends := []string{BackendHTTP, BackendSheets, BackendMemory}
	if !slices.Contains(validBackends, c.IngestBackend) {
		errors = append(errors, fmt.Sprintf("invalid ingest backend '%s': must be one of %v", c.IngestBackend, validBackends))
	}

	if c.IngestBackend == BackendHTTP {
		if c.IngestBaseURL == "" {
			errors = append(errors, "INGEST_BASE_URL is required when using http backend")
		} else if u, err := url.Parse(c.IngestBaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid ingest base URL '%s': %v", c.IngestBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid ingest base URL scheme '%s': must be 'http' or 'https'", u.Scheme))
		}
		if c.IngestToken != "" && c.IngestTokenFile != "" {
			errors = append(errors, "set only one of INGEST_TOKEN and INGEST_TOKEN_FILE")
		}
	}

	if c.IngestBackend == BackendSheets {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when using sheets backend")
		}
		if c.GoogleCredentialsFile == "" && c.GoogleCredentialsJSON == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for sheets backend")
		}
		if c.GoogleCredentialsFile != "" {
			if _, err := os.Stat(c.GoogleCredentialsFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleCredentialsFile))
			}
		}
	}

	if c.RequestTimeout <= 0 || c.RequestTimeout > 5*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid request timeout %v: must be between 0 and 5 minutes", c.RequestTimeout))
	}

	// Validate AMQP URL if provided
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

	if c.ConnectivityProbe != "" {
		if _, _, err := net.SplitHostPort(c.ConnectivityProbe); err != nil {
			errors = append(errors, fmt.Sprintf("invalid connectivity probe '%s': must be host:port", c.ConnectivityProbe))
		}
	}

	// Validate worker configuration
	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}

	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.SyncConcurrency < 1 || c.SyncConcurrency > 32 {
		errors = append(errors, fmt.Sprintf("invalid sync concurrency %d: must be between 1 and 32", c.SyncConcurrency))
	}

	if c.BackoffBase <= 0 {
		errors = append(errors, fmt.Sprintf("invalid backoff base %v: must be positive", c.BackoffBase))
	} else if c.BackoffMax < c.BackoffBase {
		errors = append(errors, fmt.Sprintf("invalid backoff max %v: must be at least the base %v", c.BackoffMax, c.BackoffBase))
	}

	if c.RetentionAge < 0 {
		errors = append(errors, fmt.Sprintf("invalid retention age %v: must not be negative", c.RetentionAge))
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.LogLevel)) {
		errors = append(errors, fmt.Sprintf("invalid log level '%s': must be one of %v", c.LogLevel, validLevels[:4]))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func defaultDeviceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "fintraq"
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
		if d, err := parseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseDuration extends time.ParseDuration with a whole-day suffix ("90d").
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
