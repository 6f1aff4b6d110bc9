package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names select which host set of a platform is used.
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

// Config holds process-wide settings. Everything is read once at startup.
type Config struct {
	// Server
	Host   string
	Port   string
	APIKey string

	// Database
	DatabaseDriver string // "sqlite" or "postgres"
	DatabaseDSN    string
	DatabaseDebug  bool

	// Platforms
	Environment   string
	PlatformsFile string
	Platforms     *Registry

	// Egress
	EgressFile      string
	EgressOwner     string
	CaptureCallerIP bool

	// OAuth
	StateTTL time.Duration

	// Routed executor
	UpstreamTimeout      time.Duration
	UpstreamRetryBackoff time.Duration
	AccountRPS           float64
	AccountBurst         int

	// Sync scheduler
	SyncInterval       string // cron spec, e.g. "@every 5m"
	SyncWorkers        int
	SyncQueueSize      int
	SyncJobTimeout     time.Duration
	WebhookQuietWindow time.Duration
	SyncMaxStaleness   time.Duration
	RefreshWithin      time.Duration

	// Scraper
	ScraperRequestsPerMinute int
	ScraperBaseURL           string

	// Redis (optional; empty address keeps everything in-process)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Observability
	MetricsEnabled bool
	LogLevel       string
	LogFormat      string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	driver := getEnv("DATABASE_DRIVER", "sqlite")
	dsn := getEnv("DATABASE_DSN", "")
	if dsn == "" && driver == "sqlite" {
		dsn = "marketrelay.db"
	}

	cfg := &Config{
		Host:   getEnv("HOST", "127.0.0.1"),
		Port:   getEnv("PORT", "8080"),
		APIKey: getEnv("MARKETRELAY_API_KEY", ""),

		DatabaseDriver: driver,
		DatabaseDSN:    dsn,
		DatabaseDebug:  getEnvBool("DATABASE_DEBUG", false),

		Environment:   normalizeEnvironment(getEnv("MARKETRELAY_ENV", EnvSandbox)),
		PlatformsFile: getEnv("PLATFORMS_FILE", "platforms.yaml"),

		EgressFile:      getEnv("EGRESS_FILE", ""),
		EgressOwner:     getEnv("EGRESS_OWNER", ""),
		CaptureCallerIP: getEnvBool("CAPTURE_CALLER_IP", true),

		StateTTL: getEnvDuration("OAUTH_STATE_TTL", 5*time.Minute),

		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 20*time.Second),
		UpstreamRetryBackoff: getEnvDuration("UPSTREAM_RETRY_BACKOFF", 500*time.Millisecond),
		AccountRPS:           getEnvFloat("UPSTREAM_ACCOUNT_RPS", 2),
		AccountBurst:         getEnvInt("UPSTREAM_ACCOUNT_BURST", 4),

		SyncInterval:       getEnv("SYNC_INTERVAL", "@every 5m"),
		SyncWorkers:        getEnvInt("SYNC_WORKERS", 4),
		SyncQueueSize:      getEnvInt("SYNC_QUEUE_SIZE", 256),
		SyncJobTimeout:     getEnvDuration("SYNC_JOB_TIMEOUT", 90*time.Second),
		WebhookQuietWindow: getEnvDuration("WEBHOOK_QUIET_WINDOW", 10*time.Minute),
		SyncMaxStaleness:   getEnvDuration("SYNC_MAX_STALENESS", time.Hour),
		RefreshWithin:      getEnvDuration("TOKEN_REFRESH_WITHIN", 15*time.Minute),

		ScraperRequestsPerMinute: getEnvInt("SCRAPER_REQUESTS_PER_MINUTE", 30),
		ScraperBaseURL:           getEnv("SCRAPER_BASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
	}

	platforms, err := LoadPlatforms(cfg.PlatformsFile, cfg.Environment)
	if err != nil {
		return nil, err
	}
	cfg.Platforms = platforms
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func normalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case EnvProduction, "prod", "live":
		return EnvProduction
	default:
		return EnvSandbox
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
