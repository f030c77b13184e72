package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	Metrics MetricsConfig

	Providers ProvidersConfig

	Reconcile ReconcileConfig

	// GrantValidity is how long refunded or deposited credit lots remain
	// spendable before the expiration sweep reclaims them.
	GrantValidity time.Duration
}

type MetricsConfig struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

type ProvidersConfig struct {
	// Fallback is used when origin resolution cannot infer the downstream
	// provider from an external id.
	Fallback string

	KlingBaseURL     string
	KlingAPIKey      string
	ReplicateBaseURL string
	ReplicateAPIKey  string
}

type ReconcileConfig struct {
	PollInterval     time.Duration
	PollInitialDelay time.Duration
	PollRetryDelay   time.Duration
	// ProcessingCeiling force-fails jobs stuck in PROCESSING longer than this.
	ProcessingCeiling time.Duration
	ExpireSweepEvery  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "vibephoto"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "vibephoto"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Metrics: MetricsConfig{
			Enabled:  getenvBool("METRICS_ENABLED", false),
			Exporter: strings.ToLower(getenv("METRICS_EXPORTER", "grpc")),
			Endpoint: strings.TrimSpace(getenv("METRICS_ENDPOINT", "localhost:4317")),
		},

		Providers: ProvidersConfig{
			Fallback:         strings.ToLower(getenv("PROVIDER_FALLBACK", "replicate")),
			KlingBaseURL:     getenv("KLING_BASE_URL", "https://api.klingai.com"),
			KlingAPIKey:      strings.TrimSpace(getenv("KLING_API_KEY", "")),
			ReplicateBaseURL: getenv("REPLICATE_BASE_URL", "https://api.replicate.com"),
			ReplicateAPIKey:  strings.TrimSpace(getenv("REPLICATE_API_KEY", "")),
		},

		Reconcile: ReconcileConfig{
			PollInterval:      getenvDuration("RECONCILE_POLL_INTERVAL", 60*time.Second),
			PollInitialDelay:  getenvDuration("RECONCILE_POLL_INITIAL_DELAY", 5*time.Second),
			PollRetryDelay:    getenvDuration("RECONCILE_POLL_RETRY_DELAY", 30*time.Second),
			ProcessingCeiling: getenvDuration("RECONCILE_PROCESSING_CEILING", 30*time.Minute),
			ExpireSweepEvery:  getenvDuration("RECONCILE_EXPIRE_SWEEP_EVERY", time.Hour),
		},

		GrantValidity: getenvDuration("CREDIT_GRANT_VALIDITY", 365*24*time.Hour),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
