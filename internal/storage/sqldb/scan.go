package sqldb

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// nullTime scans timestamps stored either natively or as RFC 3339 text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func (n *nullTime) Scan(src any) error {
	n.Time, n.Valid = time.Time{}, false
	switch v := src.(type) {
	case nil:
		return nil
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	}
	return fmt.Errorf("scan time: unsupported type %T", src)
}

func (n *nullTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("scan time: cannot parse %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

var _ driver.Valuer = textTime{}

// textTime stores a timestamp as RFC 3339 text with nanoseconds, which sorts
// lexically in UTC.
type textTime time.Time

func (t textTime) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(time.RFC3339Nano), nil
}

// TextTime is the Dialect.Time for backends without a native timestamp type.
func TextTime(t time.Time) any { return textTime(t) }

// NativeTime is the Dialect.Time for backends with a timestamp type.
func NativeTime(t time.Time) any { return t }
