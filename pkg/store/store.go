// Package store is the row store behind the federation engine: circles,
// direct members, the materialized membership closure, delivery wrappers
// and known remote instances. It runs on sqlite (default, tests) and
// postgres.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and upsert syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store implements every row store interface on a single *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens a database for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", driver)
	}
	if Dialect(driver) == DialectSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		// and keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// New wraps db and creates the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

// NewWithoutMigration wraps db as is. Used when the schema is managed
// externally.
func NewWithoutMigration(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS circles (
		single_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		sanitized_name TEXT NOT NULL DEFAULT '',
		config INTEGER NOT NULL DEFAULT 0,
		instance TEXT NOT NULL DEFAULT '',
		source INTEGER NOT NULL DEFAULT 0,
		population INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		owner_single_id TEXT NOT NULL DEFAULT '',
		members_limit INTEGER NOT NULL DEFAULT 0,
		creation BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id TEXT NOT NULL,
		circle_id TEXT NOT NULL,
		single_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		user_type INTEGER NOT NULL DEFAULT 1,
		instance TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'Member',
		note TEXT NOT NULL DEFAULT '',
		joined BIGINT NOT NULL,
		PRIMARY KEY (circle_id, single_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_members_single ON members (single_id)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		single_id TEXT NOT NULL,
		circle_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		inheritance_first TEXT NOT NULL,
		inheritance_last TEXT NOT NULL,
		inheritance_path TEXT NOT NULL,
		inheritance_depth INTEGER NOT NULL,
		PRIMARY KEY (single_id, circle_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_circle ON memberships (circle_id)`,
	`CREATE TABLE IF NOT EXISTS event_wrappers (
		token TEXT NOT NULL,
		instance TEXT NOT NULL,
		interface INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL,
		retry INTEGER NOT NULL DEFAULT 0,
		severity INTEGER NOT NULL,
		event TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '{}',
		creation BIGINT NOT NULL,
		PRIMARY KEY (token, instance)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wrappers_status ON event_wrappers (status, retry)`,
	`CREATE TABLE IF NOT EXISTS event_tokens (
		token TEXT PRIMARY KEY,
		aggregated INTEGER NOT NULL DEFAULT 0,
		creation BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS remote_instances (
		instance TEXT PRIMARY KEY,
		href TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		interface INTEGER NOT NULL DEFAULT 0,
		public_key TEXT NOT NULL DEFAULT '',
		document TEXT NOT NULL DEFAULT '{}',
		aliases TEXT NOT NULL DEFAULT '',
		creation BIGINT NOT NULL
	)`,
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// inTx runs fn inside a transaction, rolling back when it fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

type scanner interface {
	Scan(dest ...any) error
}
