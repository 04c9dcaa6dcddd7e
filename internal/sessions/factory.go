package sessions

import (
	"context"
	"fmt"

	"github.com/amurg-ai/askrelay/internal/config"
)

// New creates a Store based on the configured storage driver.
func New(ctx context.Context, cfg config.StorageConfig, opts Options) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN, opts)
	case "sqlite", "":
		return NewSQLite(cfg.DSN, opts)
	case "redis":
		return NewRedis(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, opts)
	case "memory":
		return NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
