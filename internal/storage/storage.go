package storage

import (
	"context"

	"github.com/mistakeknot/randomizer/internal/core"
)

// SiteFilter restricts a row query by site. The zero value matches every
// site.
type SiteFilter struct {
	Restrict bool
	IDs      []int
	Null     bool // with Restrict, rows without a site also match
}

// AnySite matches rows at every site.
func AnySite() SiteFilter { return SiteFilter{} }

// SiteEquals matches rows at exactly one nullable site.
func SiteEquals(site *int) SiteFilter {
	if site == nil {
		return SiteFilter{Restrict: true, Null: true}
	}
	return SiteFilter{Restrict: true, IDs: []int{*site}}
}

// SiteIn matches rows whose site is one of ids.
func SiteIn(ids []int) SiteFilter {
	return SiteFilter{Restrict: true, IDs: append([]int(nil), ids...)}
}

// Matches reports whether a row at site passes the filter.
func (f SiteFilter) Matches(site *int) bool {
	if !f.Restrict {
		return true
	}
	if site == nil {
		return f.Null
	}
	for _, id := range f.IDs {
		if id == *site {
			return true
		}
	}
	return false
}

// RowFilter selects rows of one table. Zero fields do not filter.
type RowFilter struct {
	ID         int64
	Key        *int64
	Sites      SiteFilter
	State      core.RowState
	ReservedBy string
}

// Matches reports whether row passes the filter.
func (f RowFilter) Matches(row core.Row) bool {
	if f.ID != 0 && row.ID != f.ID {
		return false
	}
	if f.Key != nil && row.Key != *f.Key {
		return false
	}
	if !f.Sites.Matches(row.SiteID) {
		return false
	}
	if f.State != "" && row.State() != f.State {
		return false
	}
	if f.ReservedBy != "" && row.ReservedBy != f.ReservedBy {
		return false
	}
	return true
}

// SiteStats summarizes the rows at one site.
type SiteStats struct {
	MaxPatientID *int64
	Rows         int64
}

// StateCounts is the number of rows of a table in each lifecycle state.
type StateCounts struct {
	Available int64
	Reserved  int64
	Completed int64
}

// Grants is the permission data the access resolver reads.
type Grants interface {
	Permission(ctx context.Context, tableID int64, user string) (core.Permission, error)
	SiteAccess(ctx context.Context, tableID int64, user string) ([]core.SiteAccess, error)
}

// Tx is one atomic unit of work. Row reads that inform a write must go
// through LockAndFindFirst.
type Tx interface {
	Grants

	// Tables and schema
	CreateTable(ctx context.Context, t core.Table) (core.Table, error)
	UpdateTable(ctx context.Context, t core.Table) error
	GetTable(ctx context.Context, tableID int64) (core.Table, error)
	ListTables(ctx context.Context) ([]core.Table, error)
	DeleteTable(ctx context.Context, tableID int64) error
	Schema(ctx context.Context, tableID int64) (core.Schema, error)
	CreateColumn(ctx context.Context, c core.Column) (core.Column, error)
	UpdateColumn(ctx context.Context, c core.Column) error

	// Permissions
	SetPermission(ctx context.Context, p core.Permission) error
	GrantSiteAccess(ctx context.Context, a core.SiteAccess) error

	// Rows
	InsertRow(ctx context.Context, r core.Row) (core.Row, error)
	FindFirst(ctx context.Context, tableID int64, f RowFilter) (*core.Row, error)
	LockAndFindFirst(ctx context.Context, tableID int64, f RowFilter) (*core.Row, error)
	ListRows(ctx context.Context, tableID int64, f RowFilter) ([]core.Row, error)
	SiteStats(ctx context.Context, tableID int64, site *int) (SiteStats, error)
	StateCounts(ctx context.Context, tableID int64) (StateCounts, error)
	ApplyRowUpdate(ctx context.Context, u core.RowUpdate) error

	// Serialization points for reservations.
	LockUser(ctx context.Context, tableID int64, user string) error
	LockSite(ctx context.Context, tableID int64, site *int) error
}

// Store runs transactions. fn's error aborts the transaction and is returned
// unchanged; nothing fn did is visible afterwards.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
