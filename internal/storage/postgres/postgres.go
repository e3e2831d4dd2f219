// Package postgres is the server storage backend. Reservations take
// transaction-scoped advisory locks on the user and the site before
// selecting a row FOR UPDATE, so concurrent servers never hand out the same
// row or the same participant id.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx

	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/storage/sqldb"
)

//go:embed schema.sql
var schemaSQL string

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// DefaultPool returns the pool settings used when none are configured.
func DefaultPool() PoolConfig {
	return PoolConfig{MaxOpen: 10, MaxIdle: 5, MaxLifetime: 30 * time.Minute}
}

type Store struct {
	*sqldb.Store
}

// Dialect is the Postgres flavour of the shared SQL store.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:       "postgres",
		Numbered:   true,
		ForUpdate:  "FOR UPDATE",
		NullSafeEq: "IS NOT DISTINCT FROM",
		Lock:       advisoryLock,
		Time:       sqldb.NativeTime,
		IsUnique:   isUnique,
	}
}

// Open connects to dsn, pings it and applies the schema.
func Open(ctx context.Context, dsn string, pool PoolConfig, log *logger.Logger) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqldb.New(db, Dialect(), log)}, nil
}

// applySchema runs each statement on its own; objects that already exist
// are skipped.
func applySchema(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if alreadyExists(err) {
				if log != nil {
					log.Debug("schema statement skipped", "error", err.Error())
				}
				continue
			}
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// duplicate_object, duplicate_table
		return pgErr.Code == "42710" || pgErr.Code == "42P07"
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func advisoryLock(ctx context.Context, q sqldb.Queryer, key string) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID(key)); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
