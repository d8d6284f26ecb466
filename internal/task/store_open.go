package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type StoreConfig struct {
	Kind          string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PostgresDSN   string
}

// OpenStore builds the store named by cfg.Kind. The returned close function
// releases the backend connection and is never nil.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", StoreMemory:
		return NewMemoryStore(), noop, nil

	case StoreSQLite:
		store, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, noop, fmt.Errorf("connect redis failed: %w", err)
		}
		store := NewRedisStore(rdb, cfg.RedisPrefix)
		return store, store.Close, nil

	case StorePostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, noop, fmt.Errorf("postgres dsn is required")
		}
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres failed: %w", err)
		}
		store, err := NewGormStore(ctx, db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, noop, err
		}
		return store, store.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown store kind: %s", cfg.Kind)
	}
}
