// Package database provides the PostgreSQL client and migration utilities.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the pgx connection pool and a database/sql handle. The pool
// backs the store layer; the *sql.DB exists for golang-migrate and health
// checks.
type Client struct {
	pool *pgxpool.Pool
	db   *stdsql.DB
	dsn  string
}

// Pool returns the pgx connection pool for the store layer.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// DB returns the database/sql handle for health checks and direct queries.
func (c *Client) DB() *stdsql.DB { return c.db }

// DSN returns the connection string, used by the NOTIFY listener which
// needs its own dedicated connection.
func (c *Client) DSN() string { return c.dsn }

// Close releases both handles.
func (c *Client) Close() error {
	c.pool.Close()
	return c.db.Close()
}

// NewClient creates a database client with connection pooling and applies
// pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := cfg.DSN()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db, cfg); err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool, db: db, dsn: dsn}, nil
}

// runMigrations applies pending migrations using golang-migrate with the
// embedded SQL files. Migrations are embedded into the binary so production
// deployments need no external files.
func runMigrations(db *stdsql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
