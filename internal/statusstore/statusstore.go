// Package statusstore implements the launcher StatusStore on Redis,
// PostgreSQL and S3-compatible object storage.
package statusstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podlauncher/internal/config"
	"podlauncher/internal/launcher"
)

// Store is a StatusStore that can report its health and be closed.
type Store interface {
	launcher.StatusStore
	Ping(ctx context.Context) error
	Close() error
}

// Kind selects a Store implementation.
type Kind string

const (
	KindRedis    Kind = "redis"
	KindPostgres Kind = "postgres"
	KindS3       Kind = "s3"
)

// Config selects and configures a Store.
type Config struct {
	Kind     Kind
	Redis    RedisConfig
	Postgres PostgresConfig
	S3       S3Config
}

// Open connects to the configured store and verifies it is reachable.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Kind {
	case KindRedis, "":
		store = NewRedis(cfg.Redis)
	case KindPostgres:
		store, err = OpenPostgres(ctx, cfg.Postgres)
	case KindS3:
		store, err = NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown status store %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("status store %s is unreachable: %w", cfg.Kind, err)
	}

	logger.Info("status store ready", "kind", string(cfg.Kind))
	return store, nil
}

// ConfigFrom maps service configuration onto a store Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Kind: Kind(cfg.StatusStore),
		Redis: RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.StatusRecordTTL,
		},
		Postgres: PostgresConfig{
			DatabaseURL: cfg.DatabaseURL,
		},
		S3: S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		},
	}
}
