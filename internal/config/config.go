package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPricingHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret string

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

	Provider ProviderConfig
	Storage  StorageConfig
	Billing  BillingWebhookConfig

	Reconciler ReconcilerConfig
}

// ProviderConfig configures the outbound generation provider client.
type ProviderConfig struct {
	BaseURL         string
	APIKey          string
	CallbackBaseURL string
	RequestTimeout  time.Duration
	MaxAttempts     int
	RetryBaseDelay  time.Duration
}

// StorageConfig configures the object storage client used for artifacts.
type StorageConfig struct {
	BaseURL    string
	ServiceKey string
	Bucket     string
	PublicURL  string
}

// BillingWebhookConfig holds the shared secret used to verify payment webhooks.
type BillingWebhookConfig struct {
	WebhookSecret string
}

// ReconcilerConfig controls orphan cleanup behavior.
type ReconcilerConfig struct {
	Enabled    bool
	DeleteMode bool
	Interval   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "tunesmith"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tunesmith"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Provider: ProviderConfig{
			BaseURL:         strings.TrimRight(getenv("PROVIDER_BASE_URL", "https://api.tunegen.dev"), "/"),
			APIKey:          strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
			CallbackBaseURL: strings.TrimRight(getenv("PROVIDER_CALLBACK_BASE_URL", ""), "/"),
			RequestTimeout:  getenvDuration("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
			MaxAttempts:     getenvInt("PROVIDER_MAX_ATTEMPTS", 3),
			RetryBaseDelay:  getenvDuration("PROVIDER_RETRY_BASE_DELAY", time.Second),
		},
		Storage: StorageConfig{
			BaseURL:    strings.TrimRight(getenv("STORAGE_BASE_URL", ""), "/"),
			ServiceKey: strings.TrimSpace(getenv("STORAGE_SERVICE_KEY", "")),
			Bucket:     getenv("STORAGE_BUCKET", "artifacts"),
			PublicURL:  strings.TrimRight(getenv("STORAGE_PUBLIC_URL", ""), "/"),
		},
		Billing: BillingWebhookConfig{
			WebhookSecret: strings.TrimSpace(getenv("BILLING_WEBHOOK_SECRET", "")),
		},
		Reconciler: ReconcilerConfig{
			Enabled:    getenvBool("RECONCILER_ENABLED", true),
			DeleteMode: getenvBool("RECONCILER_DELETE_MODE", false),
			Interval:   getenvDuration("RECONCILER_INTERVAL", time.Hour),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
