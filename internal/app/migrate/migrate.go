package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner applies the schema migrations shipped under db/migrations.
type Runner struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and returns a runner backed by goose.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if dir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure brings the schema up to the latest version.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		r.log.Info("applying migrations", "dir", r.dir)
		if err := goose.UpContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := goose.GetDBVersionContext(runCtx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("schema up to date", "version", version)
		return nil
	})
}

// Status prints applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if err := goose.StatusContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back one migration, or down to target when target > 0.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		if target > 0 {
			r.log.Info("rolling back migrations", "target", target)
			if err := goose.DownToContext(runCtx, db, r.dir, target); err != nil {
				return fmt.Errorf("rollback to version %d: %w", target, err)
			}
			return nil
		}
		r.log.Info("rolling back latest migration")
		if err := goose.DownContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

// Ping checks database reachability.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r Runner) Close() {
	r.pool.Close()
}

// goose works over database/sql, so each command opens a short-lived
// pgx stdlib connection alongside the pool.
func (r Runner) withDB(fn func(*sql.DB) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
