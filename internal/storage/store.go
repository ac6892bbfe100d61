package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store wraps SQL persistence for intents and per-chain cursors.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to driver/dsn, applies pragmas for SQLite and runs migrations.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	var dialect goose.Dialect
	switch driver {
	case DriverSQLite:
		dialect = goose.DialectSQLite3
	case DriverPostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		if err := configure(db); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := migrate(db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, driver: driver}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sqlx.DB, dialect goose.Dialect) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db.DB, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// UpsertCursor records the latest processed height/hash for a chain.
func (s *Store) UpsertCursor(ctx context.Context, chain string, height uint64, hash string) error {
	if chain == "" {
		return errors.New("chain required")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO cursors (chain, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(chain) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`), chain, int64(height), hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a chain.
func (s *Store) GetCursor(ctx context.Context, chain string) (height uint64, hash string, ok bool, err error) {
	var c Cursor
	err = s.db.GetContext(ctx, &c, s.db.Rebind(`
SELECT chain, height, hash, updated_at FROM cursors WHERE chain = ?;
`), chain)
	switch {
	case err == nil:
		return uint64(c.Height), c.Hash, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Cursor is one persisted chain position.
type Cursor struct {
	Chain     string    `db:"chain"`
	Height    int64     `db:"height"`
	Hash      string    `db:"hash"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ListCursors returns every chain cursor ordered by chain name.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	var out []Cursor
	if err := s.db.SelectContext(ctx, &out, `SELECT chain, height, hash, updated_at FROM cursors ORDER BY chain;`); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}
