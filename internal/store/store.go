// Package store persists radio calls, transcriptions, speaker segments, and
// security events behind a pgx connection pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by point lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrTimeout wraps a query-level context deadline exceeded, so callers can
// distinguish a slow store from a missing row without inspecting pgx types.
var ErrTimeout = errors.New("store: query timeout")

type Store struct {
	Pool         *pgxpool.Pool
	log          zerolog.Logger
	queryTimeout time.Duration
}

// Options configures pool sizing and the per-query timeout applied by every
// Store method.
type Options struct {
	MinConns     int32
	MaxConns     int32
	QueryTimeout time.Duration
}

func New(ctx context.Context, dsn string, opts Options, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	qt := opts.QueryTimeout
	if qt <= 0 {
		qt = 60 * time.Second
	}

	log.Info().Str("dsn", maskDSN(dsn)).Msg("connected to database")

	return &Store{Pool: pool, log: log, queryTimeout: qt}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var one int
	if err := s.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// withTimeout returns a derived context bounded by the store's configured
// query timeout, and the CancelFunc that releases it.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// maskDSN hides the password component of a connection string for safe
// logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
