package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marsnext/mars/internal/config"
	"github.com/rs/zerolog/log"
)

// Open creates the Store selected by cfg.Driver and migrates its schema.
// PostgreSQL connections are retried with exponential backoff until
// cfg.ConnectTimeout elapses.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var s Store
	switch cfg.Driver {
	case "", "memory":
		s = NewMemoryStore(cfg.DataDir)
	case "postgres":
		pg, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s = pg
	case "sqlite":
		path := cfg.SQLitePath
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
			}
		}
		sl, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		s = sl
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Msg("Store ready")
	return s, nil
}

func openPostgres(ctx context.Context, cfg config.StoreConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("PostgreSQL not reachable, retrying")
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	log.Info().Int32("max_conns", poolCfg.MaxConns).Msg("🐘 Connected to PostgreSQL")
	return NewPostgresStore(pool), nil
}
