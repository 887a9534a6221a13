package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Store    StoreConfig
	Auth     AuthConfig
	Sweep    SweepConfig
	Notify   NotifyConfig

	// FeedsFile points at the YAML feed registry. Empty disables feed pulls.
	FeedsFile string
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig locates the Postgres store.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MigrationsDir  string

	// Set when URL was assembled from INSTANCE_CONNECTION_NAME.
	CloudSQLInstance string
}

// StoreConfig bounds every call into the event store.
type StoreConfig struct {
	Timeout time.Duration
}

// AuthConfig guards the ingestion and moderation entrypoints.
type AuthConfig struct {
	IngestSecret      string
	AdminPasswordHash string
	AdminPassword     string
	JWTSecret         string
	TokenDuration     time.Duration
}

// SweepConfig schedules the retention sweeper.
type SweepConfig struct {
	Schedule string
	OnStart  bool
}

// NotifyConfig selects the lifecycle notification channel. An empty
// RedisURL disables publishing.
type NotifyConfig struct {
	RedisURL string
	Channel  string
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultLogFormat = "json"

	defaultMaxConnections = 25
	defaultMigrationsDir  = "./migrations"
	defaultStoreTimeout   = 5 * time.Second
	defaultTokenDuration  = 24 * time.Hour
	defaultSweepSchedule  = "0 3 * * *"
	defaultRedisChannel   = "eventcore:events"
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			MaxConnections: defaultMaxConnections,
			MigrationsDir:  getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
		},
		Store: StoreConfig{Timeout: defaultStoreTimeout},
		Auth: AuthConfig{
			IngestSecret:      os.Getenv("INGEST_SECRET"),
			AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
			AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
			JWTSecret:         os.Getenv("ADMIN_JWT_SECRET"),
			TokenDuration:     defaultTokenDuration,
		},
		Sweep: SweepConfig{
			Schedule: getEnv("SWEEP_SCHEDULE", defaultSweepSchedule),
		},
		Notify: NotifyConfig{
			RedisURL: os.Getenv("REDIS_URL"),
			Channel:  getEnv("REDIS_CHANNEL", defaultRedisChannel),
		},
		FeedsFile: os.Getenv("FEEDS_FILE"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"STORE_TIMEOUT_SECONDS", &cfg.Store.Timeout},
		{"ADMIN_TOKEN_TTL_SECONDS", &cfg.Auth.TokenDuration},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if cfg.Store.Timeout == 0 {
		return Config{}, fmt.Errorf("invalid STORE_TIMEOUT_SECONDS: must be positive")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if v := os.Getenv("DB_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNECTIONS: must be a positive integer")
		}
		cfg.Database.MaxConnections = n
	}

	if v := os.Getenv("SWEEP_ON_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SWEEP_ON_START: %w", err)
		}
		cfg.Sweep.OnStart = b
	}

	url, instance, err := buildDatabaseURL()
	if err != nil {
		return Config{}, err
	}
	cfg.Database.URL = url
	cfg.Database.CloudSQLInstance = instance

	return cfg, nil
}

// buildDatabaseURL prefers DATABASE_URL and otherwise assembles a Unix-socket
// DSN for Cloud SQL from INSTANCE_CONNECTION_NAME and DB_*. Neither set is
// not an error; the server then runs on the in-memory store.
func buildDatabaseURL() (string, string, error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, "", nil
	}

	instance := os.Getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", "", nil
	}

	user := os.Getenv("DB_USER")
	name := os.Getenv("DB_NAME")
	if user == "" || name == "" {
		return "", "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	// Cloud Run mounts Cloud SQL instances at /cloudsql/[INSTANCE_CONNECTION_NAME]
	socket := "/cloudsql/" + instance
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable", socket, user, password, name), instance, nil
	}
	// IAM authentication
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable", socket, user, name), instance, nil
}

// Redacted describes the database target for logging without credentials.
func (d DatabaseConfig) Redacted() map[string]string {
	switch {
	case d.CloudSQLInstance != "":
		return map[string]string{"connection_type": "cloud_sql", "instance": d.CloudSQLInstance}
	case d.URL != "":
		return map[string]string{"connection_type": "direct", "database_url": redactPassword(d.URL)}
	default:
		return map[string]string{"connection_type": "memory"}
	}
}

// redactPassword masks the password of a postgres:// URL.
func redactPassword(connStr string) string {
	if !strings.HasPrefix(connStr, "postgresql://") && !strings.HasPrefix(connStr, "postgres://") {
		return connStr
	}
	at := strings.LastIndex(connStr, "@")
	scheme := strings.Index(connStr, "://") + 3
	if at < 0 {
		return connStr
	}
	userinfo := connStr[scheme:at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:scheme] + userinfo[:colon] + ":***" + connStr[at:]
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
