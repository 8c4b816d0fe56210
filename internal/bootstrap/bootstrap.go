// Package bootstrap wires a config.Config into a concrete store.Backend.
//
// The Backend constructors (sqlitebackend.Open, mailboxbackend.Open,
// redisbackend.Open) all import the store package for its shared types, so
// a dispatcher that imports all three backends cannot itself live inside
// store without an import cycle. This package is that dispatcher.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentpool/agentpool/config"
	agentpoolstore "github.com/agentpool/agentpool/internal/store"
	"github.com/agentpool/agentpool/internal/store/mailboxbackend"
	"github.com/agentpool/agentpool/internal/store/redisbackend"
	"github.com/agentpool/agentpool/internal/store/sqlitebackend"
	"github.com/agentpool/agentpool/internal/tlsutil"
)

// OpenBackend resolves cfg.Pool.Driver to a concrete store.Backend,
// applying the schema-version gate each backend implements internally.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (agentpoolstore.Backend, error) {
	retry := agentpoolstore.RetryPolicy{
		Initial:     cfg.Pool.RetryInitial,
		Max:         cfg.Pool.RetryMax,
		MaxAttempts: cfg.Pool.RetryMaxAttempts,
	}

	root := cfg.Pool.Root
	if root == "" {
		resolved, err := agentpoolstore.DefaultPoolRoot()
		if err != nil {
			return nil, fmt.Errorf("resolve default pool root: %w", err)
		}
		root = resolved
	}

	busyTimeoutMS := int(cfg.Pool.BusyTimeout.Milliseconds())

	switch cfg.Pool.Driver {
	case "", "sqlite":
		return sqlitebackend.Open(root, cfg.Pool.SchemaVersion, busyTimeoutMS, retry, logger)
	case "mailbox":
		return mailboxbackend.Open(root, cfg.Pool.SchemaVersion, busyTimeoutMS, retry, logger)
	case "redis":
		opts := &redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
		}
		if cfg.Redis.UseTLS {
			opts.TLSConfig = tlsutil.DefaultTLSConfig()
		}
		return redisbackend.Open(ctx, opts, cfg.Pool.SchemaVersion, retry, logger)
	default:
		return nil, fmt.Errorf("bootstrap: unknown pool driver %q (want sqlite, mailbox, or redis)", cfg.Pool.Driver)
	}
}
