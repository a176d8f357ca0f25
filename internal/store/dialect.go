package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/mkernel/internal/tenant"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Schema versions:
// 1 - entities, idempotency ledger, audit log, outbox, movements and links
const currentSchemaVersion = 1

// Dialect hides the differences between the supported databases.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect interface {
	// Name is the database/sql driver name.
	Name() string

	// Schema is the full idempotent DDL for this dialect.
	Schema() string

	// Rebind rewrites '?' placeholders into the dialect's form.
	Rebind(query string) string

	configure(db *sql.DB) error
	schemaVersion(ctx context.Context, db *sql.DB) (int, error)
	setSchemaVersion(ctx context.Context, db *sql.DB, v int) error
	bindTenant(ctx context.Context, tx *sql.Tx, tc tenant.Context) error
	unbindTenant(ctx context.Context, tx *sql.Tx) error
}

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return sqliteDialect{}, nil
	case DriverPostgres, "postgres", "postgresql":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}
}

// Dialects lists every supported dialect (used by the isolation check).
func Dialects() []Dialect {
	return []Dialect{sqliteDialect{}, postgresDialect{}}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return DriverSQLite }
func (sqliteDialect) Schema() string             { return sqliteSchema }
func (sqliteDialect) Rebind(query string) string { return query }

// configure applies the single-writer pool and pragmas.
//
// The pool is limited to one connection: SQLite has one writer at a time,
// and session_context must be seen by the same connection that runs the
// transaction.
func (sqliteDialect) configure(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (sqliteDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return v, nil
}

func (sqliteDialect) setSchemaVersion(ctx context.Context, db *sql.DB, v int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (sqliteDialect) bindTenant(ctx context.Context, tx *sql.Tx, tc tenant.Context) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_context (slot, tenant_id, user_id)
		VALUES (1, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET tenant_id = excluded.tenant_id, user_id = excluded.user_id
	`, tc.OrgID, tc.UserID)
	return err
}

func (sqliteDialect) unbindTenant(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM session_context WHERE slot = 1`)
	return err
}

type postgresDialect struct{}

func (postgresDialect) Name() string   { return DriverPostgres }
func (postgresDialect) Schema() string { return postgresSchema }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (postgresDialect) configure(db *sql.DB) error {
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	return nil
}

func (postgresDialect) schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("get schema_version: %w", err)
	}
	return int(v.Int64), nil
}

func (postgresDialect) setSchemaVersion(ctx context.Context, db *sql.DB, v int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, v); err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	return tx.Commit()
}

// bindTenant sets transaction-local settings read by the RLS policies.
func (postgresDialect) bindTenant(ctx context.Context, tx *sql.Tx, tc tenant.Context) error {
	_, err := tx.ExecContext(ctx,
		`SELECT set_config('app.tenant_id', $1, true), set_config('app.user_id', $2, true)`,
		tc.OrgID, tc.UserID)
	return err
}

// unbindTenant is a no-op: set_config(..., true) ends with the transaction.
func (postgresDialect) unbindTenant(context.Context, *sql.Tx) error {
	return nil
}
