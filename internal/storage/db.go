// Package storage provides database connection and repository implementations.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ark-custody/internal/config"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a database/sql handle for either backend. Queries are written
// with '?' placeholders and rebound for postgres.
type DB struct {
	*sql.DB

	driver  string
	closeFn func()
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSqliteDB(cfg.SQLitePath)
	case config.DriverPostgres:
		return NewPostgresDB(ctx, &cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Driver returns the backend name.
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts '?' placeholders to the backend's bind style.
func (db *DB) Rebind(query string) string {
	if db.driver != config.DriverPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ExecTx runs fn inside a transaction, committing on success.
func (db *DB) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", MapSQLError(err))
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", MapSQLError(err))
	}
	return nil
}

// Close closes the database handle and any pool behind it.
func (db *DB) Close() error {
	err := db.DB.Close()
	if db.closeFn != nil {
		db.closeFn()
	}
	return err
}
