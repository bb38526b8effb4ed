package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/store"
)

// newObjectStore builds the configured store backend and returns it with a
// cleanup function.
func newObjectStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (schemas.ObjectStore, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.Postgres.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("creating connection pool: %w", err)
		}

		var blobs store.BlobStore
		if cfg.Store.Blob.Enabled {
			blobs, err = store.NewMinioBlobStore(ctx, cfg.Store.Blob, logger)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
		}

		ps, err := store.NewPostgresStore(ctx, pool, blobs, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := ps.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("initializing schema: %w", err)
		}
		logger.Info("Using postgres object store")
		return ps, pool.Close, nil

	default:
		return store.NewMemoryStore(logger), func() {}, nil
	}
}
