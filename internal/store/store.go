// Package store is the pgx data-access layer shared by the gateway and
// the trust worker. Each aggregate gets its own file; everything hangs
// off one Store backed by a pgxpool.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a row does not exist. Callers map it to
// the protocol's resource error codes.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned on uniqueness violations the caller is
// expected to surface (duplicate vouch, duplicate report).
var ErrConflict = errors.New("store: conflict")

// ErrForbidden is returned when the caller is not entitled to the
// mutation, such as a verdict from an agent outside the challenge's
// challenger set.
var ErrForbidden = errors.New("store: forbidden")

// Store wraps the connection pool with aggregate accessors.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	// Every store call runs under this deadline in addition to the
	// caller's context.
	timeout time.Duration
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, timeout time.Duration, logger zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Store{
		pool:    pool,
		logger:  logger.With().Str("component", "store").Logger(),
		timeout: timeout,
	}, nil
}

// Migrate applies the embedded schema. All statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info().Msg("Schema applied")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// ctx applies the store deadline on top of the caller's context.
func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
