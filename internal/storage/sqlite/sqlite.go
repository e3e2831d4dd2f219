// Package sqlite is the embedded storage backend. SQLite has no row locks,
// so every transaction begins IMMEDIATE and the pool holds one connection:
// writers are serialized and Tx.LockAndFindFirst needs no extra clause.
package sqlite

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/storage/sqldb"
)

//go:embed schema.sql
var schemaSQL string

const dsnParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"

type Store struct {
	*sqldb.Store
}

// Dialect is the SQLite flavour of the shared SQL store.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:       "sqlite",
		NullSafeEq: "IS",
		Time:       sqldb.TextTime,
		IsUnique:   isUnique,
	}
}

// New opens (creating if needed) the database file at path.
func New(path string, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?"+dsnParams+"&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(db, log)
}

// NewInMemory opens a private in-memory database. It lives as long as the
// single pooled connection.
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return open(db, nil)
}

func open(db *sql.DB, log *logger.Logger) (*Store, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqldb.New(db, Dialect(), log)}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
