package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Store selects the backend: "postgres" or "memory".
	Store string

	HTTPAddr      string
	TriggerSecret string

	RedisAddr     string
	RedisPassword string
	RedisStream   string

	SourcesFile string
	LogLevel    string
	ChromeBin   string

	MaxLogLines  int
	SyncBudget   time.Duration
	WriteTimeout time.Duration

	CSVOutputPath string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "ingest"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "ingest"),
		PostgresDB:       getEnv("POSTGRES_DB", "contracts"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		Store: getEnv("STORE", "postgres"),

		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		TriggerSecret: getEnv("TRIGGER_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisStream:   getEnv("REDIS_STREAM", "ingest:jobs"),

		SourcesFile: getEnv("SOURCES_FILE", "./sources.yaml"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ChromeBin:   getEnv("CHROME_BIN", ""),

		MaxLogLines:  getEnvInt("MAX_LOG_LINES", 500),
		SyncBudget:   getEnvDuration("SYNC_BUDGET", 4*time.Minute+30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 30*time.Second),

		CSVOutputPath: getEnv("CSV_OUTPUT_PATH", "./output/canonical_records.csv"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
