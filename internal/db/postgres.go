// Package db opens the PostgreSQL pool and the Redis client shared by the
// scraper components.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
	maxPoolConns    = 4
)

// NewPostgresPool creates a pgxpool connection pool and retries the initial
// ping while the database is still starting.
func NewPostgresPool(ctx context.Context, databaseURL string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	cfg.MaxConns = maxPoolConns
	cfg.ConnConfig.RuntimeParams["application_name"] = "scraper-service"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	err = retry(ctx, logger.With().Str("backend", "postgres").Logger(), func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// retry calls fn up to connectAttempts times, waiting connectBackoff×n
// between attempts.
func retry(ctx context.Context, logger zerolog.Logger, fn func() error) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}
		wait := connectBackoff * time.Duration(attempt)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("connection not ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
