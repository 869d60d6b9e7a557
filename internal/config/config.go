package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the core runtime configuration for the gateway.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	AdminUser     string
	AdminPassword string

	// DatabaseURL selects the postgres backends for keys, usage log and
	// admin principals. When empty everything is held in process memory.
	DatabaseURL string

	ListenAddr  string
	Environment string
	LogLevel    string

	// KeyTTLDays is the lifetime given to newly issued keys.
	KeyTTLDays int

	// UsageLogCapacity bounds the in-memory usage log. The log is then a
	// recent-activity window; counters on the key records stay authoritative.
	UsageLogCapacity int

	// RetentionDays is how long usage entries are kept by the postgres
	// retention worker. Zero keeps them forever.
	RetentionDays int

	// UpstreamConfigPath optionally points at a YAML catalog overriding the
	// built-in upstream endpoints, costs and timeouts.
	UpstreamConfigPath string
}

// Load reads configuration from environment variables (and a .env file when
// present) and applies defaults.
func Load() *Config {
	// Missing .env is normal when the environment is injected directly.
	_ = godotenv.Load()

	cfg := &Config{
		AdminUser:          getenv("APP_ADMIN_USER", "admin"),
		AdminPassword:      getenv("APP_ADMIN_PASSWORD", "changeme"),
		DatabaseURL:        os.Getenv("APP_DATABASE_URL"),
		ListenAddr:         listenAddr(),
		Environment:        getenv("APP_ENVIRONMENT", "development"),
		LogLevel:           getenv("APP_LOG_LEVEL", "info"),
		KeyTTLDays:         getIntEnv("APP_KEY_TTL_DAYS", 365),
		UsageLogCapacity:   getIntEnv("APP_USAGE_LOG_CAPACITY", 1000),
		RetentionDays:      getIntEnv("APP_RETENTION_DAYS", 0),
		UpstreamConfigPath: os.Getenv("APP_UPSTREAM_CONFIG"),
	}

	return cfg
}

// listenAddr prefers an explicit APP_LISTEN_ADDR and otherwise binds every
// interface on PORT.
func listenAddr() string {
	if v := os.Getenv("APP_LISTEN_ADDR"); v != "" {
		return v
	}
	port := strings.TrimPrefix(getenv("PORT", "8000"), ":")
	return ":" + port
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
