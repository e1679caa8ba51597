// Package store is the Postgres persistence layer. Every tenant-facing
// query filters by owner_id; rows never cross tenants.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbKeepAlivePeriod = 300 * time.Second

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(ctx context.Context, log *slog.Logger, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Store{log: log, pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// KeepAlive pings the database periodically so idle deployments keep their
// connections warm. Blocks until ctx is done.
func (s *Store) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(dbKeepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
				s.log.Warn("store: keepalive ping failed", "error", err)
			}
		}
	}
}
