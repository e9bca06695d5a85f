// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverValkey   = "valkey"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	LogLevel    slog.Level

	Store    StoreConfig
	Presence PresenceConfig
	Socket   SocketConfig

	GRPCAddr  string
	Telemetry TelemetryConfig
}

// StoreConfig selects and configures the presence store.
type StoreConfig struct {
	Driver      string
	DBPath      string
	DatabaseURL string
	ValkeyAddr  string
	Timeout     time.Duration
}

// PresenceConfig controls heartbeat expectations and the stale sweeper.
type PresenceConfig struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
}

// SocketConfig bounds per-connection resources.
type SocketConfig struct {
	SendQueueSize   int
	MaxMessageBytes int64
}

// TelemetryConfig configures OTLP export. An empty endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			DBPath:      getEnv("DB_PATH", "./data/retro.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			ValkeyAddr:  getEnv("VALKEY_ADDR", "localhost:6379"),
			Timeout:     getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			StaleAfter:        getEnvDuration("STALE_AFTER", 60*time.Second),
			SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		},
		Socket: SocketConfig{
			SendQueueSize:   getEnvInt("SEND_QUEUE_SIZE", 64),
			MaxMessageBytes: int64(getEnvInt("MAX_MESSAGE_BYTES", 64*1024)),
		},
		GRPCAddr: getEnv("GRPC_ADDR", ""),
		Telemetry: TelemetryConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "retro-relay"),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
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
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case DriverValkey:
		if c.Store.ValkeyAddr == "" {
			return fmt.Errorf("VALKEY_ADDR is required when STORE_DRIVER=valkey")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.Presence.HeartbeatInterval <= 0 || c.Presence.StaleAfter <= 0 || c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence intervals must be > 0")
	}
	if c.Presence.StaleAfter <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("STALE_AFTER (%s) must exceed HEARTBEAT_INTERVAL (%s)",
			c.Presence.StaleAfter, c.Presence.HeartbeatInterval)
	}
	if c.Socket.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Socket.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS and WebSocket origin allow-list: the
// frontend origin, plus the local dev servers in development only.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	if c.IsDevelopment() {
		origins = append(origins, "http://localhost:3000", "http://localhost:5173")
	}
	if c.FrontendURL != "" && !slices.Contains(origins, c.FrontendURL) {
		origins = append(origins, c.FrontendURL)
	}
	return origins
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

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
