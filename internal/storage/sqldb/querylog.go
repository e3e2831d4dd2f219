package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/randomizer/internal/platform/logger"
)

const slowQueryThreshold = 100 * time.Millisecond

// queryer is satisfied by *sql.DB, *sql.Tx and *queryLogger. Transaction
// code goes through this instead of *sql.Tx directly.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryLogger wraps a queryer and logs statements that exceed the slow
// query threshold.
type queryLogger struct {
	inner     queryer
	log       *logger.Logger
	threshold time.Duration
}

func newQueryLogger(inner queryer, log *logger.Logger) *queryLogger {
	return &queryLogger{inner: inner, log: log, threshold: slowQueryThreshold}
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, query, args...)
	q.observe(start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, query, args...)
	q.observe(start, query)
	return rows, err
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := q.inner.QueryRowContext(ctx, query, args...)
	q.observe(start, query)
	return row
}

func (q *queryLogger) observe(start time.Time, query string) {
	if d := time.Since(start); d >= q.threshold {
		q.log.Warn("slow query", "duration", d.Round(time.Millisecond), "query", truncateQuery(query))
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
