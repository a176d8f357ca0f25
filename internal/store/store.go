package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Store is the tenant-scoped relational store behind the kernel.
// All reads and writes happen inside WithTenant.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
func Open(path string, opts ...Option) (*Store, error) {
	return OpenDriver(context.Background(), DriverSQLite, path, opts...)
}

// OpenDriver opens a database with the named driver and applies the schema.
//
// For SQLite the database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func OpenDriver(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := dialect.configure(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db, dialect: dialect, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
// Queries issued on it bypass tenant binding; use WithTenant for data access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.dialect.schemaVersion(ctx, s.db)
}

// migrate applies the idempotent DDL and records the schema version.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Schema()); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	version, err := s.dialect.schemaVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if version < currentSchemaVersion {
		if err := s.dialect.setSchemaVersion(ctx, s.db, currentSchemaVersion); err != nil {
			return err
		}
		s.logger.Info("schema migrated",
			"event", "store.migrate",
			"driver", s.dialect.Name(),
			"from", version,
			"to", currentSchemaVersion)
	}
	return nil
}
