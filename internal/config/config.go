package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"pausevm/internal/task"
)

const (
	EnvHTTPAddr      = "PAUSEVM_HTTP_ADDR"
	EnvStore         = "PAUSEVM_STORE"
	EnvSQLitePath    = "PAUSEVM_SQLITE_PATH"
	EnvRedisAddr     = "PAUSEVM_REDIS_ADDR"
	EnvRedisPassword = "PAUSEVM_REDIS_PASSWORD"
	EnvRedisDB       = "PAUSEVM_REDIS_DB"
	EnvRedisPrefix   = "PAUSEVM_REDIS_PREFIX"
	EnvPostgresDSN   = "PAUSEVM_POSTGRES_DSN"
	EnvTaskTTL       = "PAUSEVM_TASK_TTL"
	EnvSweepInterval = "PAUSEVM_SWEEP_INTERVAL"
	EnvMaxFetches    = "PAUSEVM_MAX_FETCHES"
)

type Config struct {
	HTTPAddr      string
	Store         task.StoreConfig
	TaskTTL       time.Duration
	SweepInterval time.Duration
	MaxFetches    int
}

func defaultConfig() Config {
	return Config{
		HTTPAddr: ":8080",
		Store: task.StoreConfig{
			Kind:        task.StoreMemory,
			SQLitePath:  "data/pausevm.sqlite",
			RedisAddr:   "localhost:6379",
			RedisPrefix: task.DefaultRedisPrefix,
		},
		TaskTTL:       task.DefaultTTL,
		SweepInterval: task.DefaultSweepInterval,
		MaxFetches:    64,
	}
}

// Load reads PAUSEVM_* variables. Unset or invalid values keep defaults.
func Load() Config {
	cfg := defaultConfig()

	cfg.HTTPAddr = stringFromEnv(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.Store.Kind = strings.ToLower(stringFromEnv(EnvStore, cfg.Store.Kind))
	cfg.Store.SQLitePath = stringFromEnv(EnvSQLitePath, cfg.Store.SQLitePath)
	cfg.Store.RedisAddr = stringFromEnv(EnvRedisAddr, cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = stringFromEnv(EnvRedisPassword, cfg.Store.RedisPassword)
	cfg.Store.RedisDB = intFromEnv(EnvRedisDB, cfg.Store.RedisDB)
	cfg.Store.RedisPrefix = stringFromEnv(EnvRedisPrefix, cfg.Store.RedisPrefix)
	cfg.Store.PostgresDSN = stringFromEnv(EnvPostgresDSN, cfg.Store.PostgresDSN)
	cfg.TaskTTL = durationFromEnv(EnvTaskTTL, cfg.TaskTTL)
	cfg.SweepInterval = durationFromEnv(EnvSweepInterval, cfg.SweepInterval)
	cfg.MaxFetches = intFromEnv(EnvMaxFetches, cfg.MaxFetches)
	if cfg.MaxFetches <= 0 {
		cfg.MaxFetches = defaultConfig().MaxFetches
	}

	return cfg
}

func stringFromEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intFromEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// MaxDurationMS is the largest millisecond count representable as a
// time.Duration.
const MaxDurationMS = int64(math.MaxInt64 / int64(time.Millisecond))

// MillisToDuration converts ms to a Duration, clamping at the largest
// representable value.
func MillisToDuration(ms int64) time.Duration {
	if ms >= MaxDurationMS {
		return time.Duration(MaxDurationMS) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// ParseDuration accepts a Go duration ("90m") or integer milliseconds.
func ParseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return 0, false
		}
		return MillisToDuration(ms), true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	if d, ok := ParseDuration(os.Getenv(key)); ok {
		return d
	}
	return fallback
}
