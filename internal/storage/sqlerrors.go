package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const pgUniqueViolation = "23505"

// ErrUniqueViolation is returned when an insert collides with a unique key.
type ErrUniqueViolation struct {
	DBError error
}

func (e *ErrUniqueViolation) Error() string {
	return fmt.Sprintf("unique constraint violation: %v", e.DBError)
}

func (e *ErrUniqueViolation) Unwrap() error {
	return e.DBError
}

// MapSQLError interprets backend errors as backend-agnostic ones.
func MapSQLError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return &ErrUniqueViolation{DBError: err}
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &ErrUniqueViolation{DBError: err}
	}

	return err
}

// IsUniqueViolation reports whether err is a unique key collision.
func IsUniqueViolation(err error) bool {
	var uv *ErrUniqueViolation
	return errors.As(MapSQLError(err), &uv)
}
