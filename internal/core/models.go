package core

import (
	"fmt"
	"strconv"
	"time"
)

// Table is a named stratification schema. It owns its columns, its optional
// site column and its rows.
type Table struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Arm1      string    `json:"arm_1,omitempty"`
	Arm2      string    `json:"arm_2,omitempty"`
	Hidden    bool      `json:"hidden"`
	CreatedAt time.Time `json:"created_at"`
}

// ArmName returns the display label for a randomization arm. Blank labels
// fall back to the arm number.
func (t Table) ArmName(arm int) (string, error) {
	switch arm {
	case 1:
		if t.Arm1 != "" {
			return t.Arm1, nil
		}
		return "1", nil
	case 2:
		if t.Arm2 != "" {
			return t.Arm2, nil
		}
		return "2", nil
	}
	return "", fmt.Errorf("invalid arm %d", arm)
}

// Column is one stratification dimension. Index defines the significance of
// the column in the row key (ascending). A site column has Site set and no
// meaningful Index.
type Column struct {
	ID      int64    `json:"id"`
	TableID int64    `json:"table_id"`
	Name    string   `json:"name"`
	Index   int      `json:"index"`
	Options int      `json:"options"`
	Labels  []string `json:"labels,omitempty"`
	Site    bool     `json:"site,omitempty"`
}

// Label returns the human readable label of option i.
func (c Column) Label(i int) string {
	if i >= 0 && i < len(c.Labels) {
		return c.Labels[i]
	}
	return strconv.Itoa(i)
}

// Schema is a snapshot of a table's column definitions taken inside one
// transaction. It must not outlive that transaction.
type Schema struct {
	Table   Table    `json:"table"`
	Columns []Column `json:"columns"`
	Site    *Column  `json:"site,omitempty"`
}

// ColumnNames returns the names of the positional columns in index order.
func (s Schema) ColumnNames() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	return out
}

// HasSite reports whether rows of this table are partitioned by site.
func (s Schema) HasSite() bool {
	return s.Site != nil
}

// Row is one allocatable slot.
type Row struct {
	ID          int64      `json:"id"`
	TableID     int64      `json:"table_id"`
	Key         int64      `json:"key"`
	SiteID      *int       `json:"site_id,omitempty"`
	Arm         int        `json:"arm"`
	PatientID   *int64     `json:"patient_id,omitempty"`
	ReservedBy  string     `json:"reserved_by,omitempty"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// LastChanged returns the most recent of the reservation and processing
// timestamps, or the zero time if the row was never touched.
func (r Row) LastChanged() time.Time {
	var last time.Time
	if r.ProcessedAt != nil {
		last = *r.ProcessedAt
	}
	if r.ReservedAt != nil && r.ReservedAt.After(last) {
		last = *r.ReservedAt
	}
	return last
}

// Permission records that a user may use a table.
type Permission struct {
	TableID int64  `json:"table_id"`
	User    string `json:"user"`
	IsOwner bool   `json:"is_owner"`
}

// SiteAccess grants a user access to one site of a table. A nil SiteID is the
// no-site-dimension grant, which is unrestricted.
type SiteAccess struct {
	ID      int64  `json:"id"`
	TableID int64  `json:"table_id"`
	User    string `json:"user"`
	SiteID  *int   `json:"site_id,omitempty"`
	Active  bool   `json:"active"`
}

// SiteKey renders a nullable site id for logs and lock keys.
func SiteKey(site *int) string {
	if site == nil {
		return "none"
	}
	return strconv.Itoa(*site)
}

// SameSite reports whether two nullable site ids are equal.
func SameSite(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// IntPtr is a small helper for building nullable site ids.
func IntPtr(v int) *int {
	return &v
}
