package config

import (
	"log"
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

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	AuthJWTSecret   string
	AuthJWTIssuer   string
	AuthJWTAudience string

	CronSecret string

	Stripe StripeConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimit RateLimitConfig

	CORSAllowedOrigins []string

	Scheduler SchedulerConfig
	Grant     GrantConfig

	APIKeyRetention time.Duration

	RatesConfigPath string

	MetricsPush MetricsPushConfig
}

type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	DefaultPriceID string
}

type SchedulerConfig struct {
	Enabled  bool
	Backend  string
	Interval time.Duration
	Jobs     []string
}

// GrantConfig bounds the monthly grant batch.
type GrantConfig struct {
	PageSize    int
	Concurrency int
	UserTimeout time.Duration
}

// RateLimitConfig sizes the per-key token bucket in front of metered routes.
type RateLimitConfig struct {
	Enabled        bool
	KeyRate        float64
	KeyBurst       int
	ConcurrencyTTL time.Duration
}

// MetricsPushConfig points processes without a scrape endpoint at a push target.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

const (
	SchedulerBackendTicker = "ticker"
	SchedulerBackendRiver  = "river"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getenv("APP_SERVICE", "creditledger"),
		AppVersion:         getenv("APP_VERSION", "0.1.0"),
		Environment:        getenv("ENVIRONMENT", "development"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:       getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "creditledger"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBPath:             getenv("DATABASE_PATH", "creditledger.db"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:  getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:  getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		AuthJWTSecret:      strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer:      strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),
		AuthJWTAudience:    strings.TrimSpace(getenv("AUTH_JWT_AUDIENCE", "")),
		CronSecret:         strings.TrimSpace(getenv("CRON_SECRET", "")),
		RedisAddr:          strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		RedisDB:            getenvInt("REDIS_DB", 0),
		CORSAllowedOrigins: getenvList("CORS_ALLOWED_ORIGINS"),
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			KeyRate:        getenvFloat("RATE_LIMIT_KEY_RATE", 10),
			KeyBurst:       getenvInt("RATE_LIMIT_KEY_BURST", 20),
			ConcurrencyTTL: getenvDuration("RATE_LIMIT_CONCURRENCY_TTL", 10*time.Second),
		},
		RatesConfigPath: strings.TrimSpace(getenv("RATES_CONFIG_PATH", "")),
		Stripe: StripeConfig{
			SecretKey:      strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:  strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			DefaultPriceID: strings.TrimSpace(getenv("STRIPE_DEFAULT_PRICE_ID", "")),
		},
		Scheduler: SchedulerConfig{
			Enabled:  getenvBool("SCHEDULER_ENABLED", true),
			Backend:  normalizeBackend(getenv("SCHEDULER_BACKEND", SchedulerBackendTicker)),
			Interval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			Jobs:     getenvList("SCHEDULER_JOBS"),
		},
		Grant: GrantConfig{
			PageSize:    getenvInt("GRANT_PAGE_SIZE", 200),
			Concurrency: getenvInt("GRANT_CONCURRENCY", 8),
			UserTimeout: getenvDuration("GRANT_USER_TIMEOUT", 5*time.Second),
		},
		APIKeyRetention: getenvDuration("API_KEY_RETENTION", 30*24*time.Hour),
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", time.Minute),
		},
	}

	if cfg.CronSecret == "" {
		log.Printf("[config] CRON_SECRET is empty, cron endpoints are open")
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SchedulerBackendRiver:
		return SchedulerBackendRiver
	default:
		return SchedulerBackendTicker
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
