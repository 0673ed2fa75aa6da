package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, read from the environment.
type Config struct {
	Service     ServiceConfig
	Server      ServerConfig
	Database    DatabaseConfig
	Store       StoreConfig
	NATS        NATSConfig
	Idempotency IdempotencyConfig
	Tracing     TracingConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// StoreConfig selects the storage backend and where workflow templates come from.
type StoreConfig struct {
	Backend        string // postgres | memory
	TemplateSource string // file | db
	CatalogFile    string
}

type NATSConfig struct {
	URL string
}

type IdempotencyConfig struct {
	TTL           time.Duration
	PurgeSchedule string
}

type TracingConfig struct {
	Output string // empty disables tracing, "stdout" or a file path
}

// Load reads configuration from the environment, consulting a .env file first
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "ex-approvals"),
			Version:     getEnv("SERVICE_VERSION", "0.1.0"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "ex_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 1)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		Store: StoreConfig{
			Backend:        getEnv("STORE_BACKEND", "postgres"),
			TemplateSource: getEnv("TEMPLATE_SOURCE", "file"),
			CatalogFile:    getEnv("CATALOG_FILE", "config/catalog.yaml"),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Idempotency: IdempotencyConfig{
			TTL:           getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			PurgeSchedule: getEnv("IDEMPOTENCY_PURGE_SCHEDULE", "@hourly"),
		},
		Tracing: TracingConfig{
			Output: getEnv("TRACE_OUTPUT", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.Store.Backend)
	}
	switch c.Store.TemplateSource {
	case "file", "db":
	default:
		return fmt.Errorf("TEMPLATE_SOURCE must be file or db, got %q", c.Store.TemplateSource)
	}
	if c.Store.Backend == "memory" && c.Store.TemplateSource == "db" {
		return fmt.Errorf("TEMPLATE_SOURCE=db requires STORE_BACKEND=postgres")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	return nil
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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
