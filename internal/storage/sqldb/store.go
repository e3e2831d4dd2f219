// Package sqldb implements storage.Store on database/sql. The sqlite and
// postgres packages supply the connection, the DDL and a Dialect.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Logger
}

func New(db *sql.DB, d Dialect, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	if d.Time == nil {
		d.Time = NativeTime
	}
	if d.NullSafeEq == "" {
		d.NullSafeEq = "IS NOT DISTINCT FROM"
	}
	return &Store{db: db, dialect: d, log: log.With("driver", d.Name)}
}

// DB exposes the pool for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// InTx runs fn in one database transaction. fn's error is returned as is
// after rolling back.
func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Tx{q: newQueryLogger(tx, s.log), d: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
