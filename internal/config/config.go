package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	Port   int

	// Postgres (pgxpool DSN)
	DBDSN string

	// Worker / queue
	MaxAttempts       int
	DefaultRetry      time.Duration // floor for retry backoff
	WorkerInterval    time.Duration
	ProcessingTTL     time.Duration // stuck-lease threshold
	WorkerBatchSize   int
	WorkerConcurrency int
	DisableScheduler  bool

	// Telegram
	TelegramAPIBase string
	SendTimeout     time.Duration

	// Redis (optional, fail-open)
	RedisAddr    string
	RedisPass    string
	RedisDB      int
	CacheRuleTTL time.Duration

	// Rate limit (admin API)
	RLEnabled bool
	RLLimit   int
	RLWindow  time.Duration

	// RabbitMQ (optional audit fan-out)
	RabbitURL      string
	RabbitExchange string

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	// --- Postgres: prefer DATABASE_URL if present, else build from POSTGRES_*
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		addr := getEnv("POSTGRES_ADDR", "")
		user := getEnv("POSTGRES_USER", "")
		pass := getEnv("POSTGRES_PASSWORD", "")
		db := getEnv("POSTGRES_DB", "")
		sslmode := getEnv("POSTGRES_SSLMODE", "disable")
		cfg.DBDSN = buildPostgresURL(addr, user, pass, db, sslmode)
	}

	// --- Worker / queue
	cfg.MaxAttempts = getInt("MAX_ATTEMPTS", 5)
	cfg.DefaultRetry = time.Duration(getInt("DEFAULT_RETRY_MINUTES", 30)) * time.Minute
	cfg.WorkerInterval = time.Duration(getInt("WORKER_INTERVAL_SECONDS", 20)) * time.Second
	cfg.ProcessingTTL = time.Duration(getInt("PROCESSING_TTL_SECONDS", 900)) * time.Second
	cfg.WorkerBatchSize = getInt("WORKER_BATCH_SIZE", 20)
	cfg.WorkerConcurrency = getInt("WORKER_CONCURRENCY", 1)
	cfg.DisableScheduler = getBool("DISABLE_SCHEDULER", false)

	// --- Telegram
	cfg.TelegramAPIBase = getEnv("TELEGRAM_API_BASE", "https://api.telegram.org")
	cfg.SendTimeout = getDuration("TELEGRAM_SEND_TIMEOUT", 20*time.Second)

	// --- Redis (optional)
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.CacheRuleTTL = getDuration("CACHE_RULE_TTL", 5*time.Minute)

	// --- Rate limit
	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_REQUESTS_LIMIT", 100)
	cfg.RLWindow = time.Duration(getInt("RL_WINDOW_SECONDS", 60)) * time.Second

	// --- RabbitMQ (optional)
	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	cfg.RabbitExchange = getEnv("RABBITMQ_EXCHANGE", "telepost.audit")

	// --- Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// --- Validation (fail fast)
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_ADDR/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.WorkerBatchSize < 1 {
		return nil, fmt.Errorf("WORKER_BATCH_SIZE must be >= 1")
	}

	return cfg, nil
}

// buildPostgresURL builds a safe postgres URL DSN (handles special characters).
func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		// prefer failing fast over silent misconfig
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
