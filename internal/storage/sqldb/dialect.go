package sqldb

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Dialect captures what differs between the SQL backends. Queries are
// written with ? placeholders and rebound for backends that number them.
type Dialect struct {
	Name string
	// Numbered rewrites ? placeholders to $1, $2, ...
	Numbered bool
	// ForUpdate is appended to row selects that precede a write.
	ForUpdate string
	// NullSafeEq compares two possibly NULL values.
	NullSafeEq string
	// Lock takes a transaction-scoped exclusive lock on key. Nil when the
	// backend already serializes writers.
	Lock func(ctx context.Context, q Queryer, key string) error
	// Time converts a timestamp into a driver argument.
	Time func(time.Time) any
	// IsUnique reports whether err is a unique constraint violation.
	IsUnique func(error) bool
}

// Queryer is exported for Dialect.Lock implementations.
type Queryer = queryer

func (d Dialect) rebind(q string) string {
	if !d.Numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
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

func (d Dialect) timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.Time(t.UTC())
}
