package storage

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // Register the "sqlite" driver.

	"github.com/ark-custody/internal/config"
)

const (
	sqliteOptionPrefix = "_pragma"

	// sqliteTxLockImmediate makes every transaction take the write lock
	// up front, so concurrent writers wait on busy_timeout instead of
	// failing on lock upgrade.
	sqliteTxLockImmediate = "_txlock=immediate"
)

type pragmaOption struct {
	name  string
	value string
}

// NewSqliteDB opens the sqlite database at dbPath.
func NewSqliteDB(dbPath string) (*DB, error) {
	pragmaOptions := []pragmaOption{
		{name: "foreign_keys", value: "on"},
		{name: "journal_mode", value: "WAL"},
		{name: "busy_timeout", value: "5000"},
		{name: "synchronous", value: "full"},
	}

	sqliteOptions := make(url.Values)
	for _, option := range pragmaOptions {
		sqliteOptions.Add(
			sqliteOptionPrefix,
			fmt.Sprintf("%v=%v", option.name, option.value),
		)
	}

	dsn := fmt.Sprintf("%v?%v&%v", dbPath, sqliteOptions.Encode(), sqliteTxLockImmediate)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{DB: db, driver: config.DriverSQLite}, nil
}
