// Package sqlitestore implements the transport contract on a single SQLite
// file. It is the no-server option for local or shared-filesystem stores:
// one table of messages, locators allocated from the rowid sequence.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailfile/mailfile/internal/transport"
	"github.com/mailfile/mailfile/internal/utils"
)

const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
`

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	folder  TEXT    NOT NULL,
	locator TEXT    NOT NULL,
	raw     BLOB    NOT NULL,
	flags   TEXT    NOT NULL DEFAULT '',
	created TIMESTAMP NOT NULL,
	UNIQUE (folder, locator)
);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
`

type config struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

type Option func(*config)

// WithPath sets the database file. Use ":memory:" for tests.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithPragmas replaces the default connection pragmas.
func WithPragmas(pragmas string) Option {
	return func(c *config) { c.pragmas = pragmas }
}

func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(c *config) { c.connMaxLifetime = d }
}

// Store is a SQLite-backed Transport.
type Store struct {
	db *sqlx.DB
}

func New(opts ...Option) (*Store, error) {
	cfg := &config{
		path:         ":memory:",
		pragmas:      defaultPragma,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := cfg.path
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	}

	slog.Debug("sqlitestore", "driver", driverID, "path", cfg.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}
	if cfg.maxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	if cfg.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.connMaxLifetime)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) List(ctx context.Context, folder string) ([]string, error) {
	var locators []string
	err := s.db.SelectContext(ctx, &locators,
		`SELECT locator FROM messages WHERE folder = ? ORDER BY locator`, folder)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	return locators, nil
}

func (s *Store) Fetch(ctx context.Context, folder, locator string) ([]byte, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT raw FROM messages WHERE folder = ? AND locator = ?`, folder, locator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	return raw, nil
}

func (s *Store) Append(ctx context.Context, folder string, raw []byte) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	defer tx.Rollback()

	// placeholder locator first: the final one needs the allocated rowid
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (folder, locator, raw, created) VALUES (?, '', ?, ?)`,
		folder, raw, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}

	locator := fmt.Sprintf("row-%08d", id)
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET locator = ? WHERE id = ?`, locator, id); err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	return locator, nil
}

func (s *Store) Flag(ctx context.Context, folder, locator string, flag transport.Flag) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET flags = flags || ? WHERE folder = ? AND locator = ? AND instr(flags, ?) = 0`,
		string(flag), folder, locator, string(flag))
	if err != nil {
		return fmt.Errorf("flag %s: %w", locator, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either already flagged or missing; only the latter is an error
		var exists int
		if err := s.db.GetContext(ctx, &exists,
			`SELECT COUNT(*) FROM messages WHERE folder = ? AND locator = ?`, folder, locator); err != nil {
			return fmt.Errorf("flag %s: %w", locator, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, folder, locator string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE folder = ? AND locator = ?`, folder, locator)
	if err != nil {
		return fmt.Errorf("delete %s: %w", locator, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
	}
	return nil
}

var _ transport.Transport = (*Store)(nil)
