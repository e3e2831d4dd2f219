// Package schema builds randomization tables: their columns, site column,
// rows and grants, and renders rows for display.
package schema

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/randomizer/internal/access"
	"github.com/mistakeknot/randomizer/internal/codec"
	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

type Registry struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store) *Registry {
	return &Registry{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// NewRow describes one row to add. Fields holds the option index per
// positional column.
type NewRow struct {
	Fields map[string]int `json:"fields"`
	Site   *int           `json:"site,omitempty"`
	Arm    int            `json:"arm"`
}

// ColumnRename is the new name and labels of one column. Labels must keep
// the column's option count.
type ColumnRename struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// Renames relabels a whole table at once. Columns are given in index order.
type Renames struct {
	Arm1    string         `json:"arm_1"`
	Arm2    string         `json:"arm_2"`
	Columns []ColumnRename `json:"columns"`
	Site    *ColumnRename  `json:"site,omitempty"`
}

// RowView is a row rendered for display.
type RowView struct {
	ID          int64      `json:"id"`
	Values      []string   `json:"values"`
	Site        string     `json:"site,omitempty"`
	Arm         string     `json:"arm"`
	PatientID   *int64     `json:"patient_id,omitempty"`
	ReservedBy  string     `json:"reserved_by,omitempty"`
	Locked      bool       `json:"locked"`
	Processed   bool       `json:"processed"`
	LastChanged *time.Time `json:"last_changed,omitempty"`
}

// CreateTable creates an empty table owned by owner. The owner gets an
// active unrestricted site grant.
func (r *Registry) CreateTable(ctx context.Context, name, owner string) (core.Table, error) {
	if owner == "" {
		return core.Table{}, core.ErrNoAccess
	}
	if err := ValidateText("table name", name); err != nil {
		return core.Table{}, err
	}
	var out core.Table
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		tbl, err := tx.CreateTable(ctx, core.Table{Name: name, CreatedAt: r.now()})
		if err != nil {
			return err
		}
		if err := tx.SetPermission(ctx, core.Permission{TableID: tbl.ID, User: owner, IsOwner: true}); err != nil {
			return fmt.Errorf("owner permission: %w", err)
		}
		if err := tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tbl.ID, User: owner, Active: true}); err != nil {
			return fmt.Errorf("owner site access: %w", err)
		}
		out = tbl
		return nil
	})
	return out, err
}

// Tables lists the tables user may see. Hidden tables are listed for their
// owners only.
func (r *Registry) Tables(ctx context.Context, user string) ([]core.Table, error) {
	var out []core.Table
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		all, err := tx.ListTables(ctx)
		if err != nil {
			return err
		}
		for _, tbl := range all {
			perm, err := tx.Permission(ctx, tbl.ID, user)
			if err != nil {
				continue
			}
			if tbl.Hidden && !perm.IsOwner {
				continue
			}
			out = append(out, tbl)
		}
		return nil
	})
	return out, err
}

// AddColumn appends a positional column after the existing ones. Rows
// already present keep their keys and read as option 0 of the new column.
func (r *Registry) AddColumn(ctx context.Context, tableID int64, user, name string, labels []string) (core.Column, error) {
	if err := validateColumn(name, labels); err != nil {
		return core.Column{}, err
	}
	var out core.Column
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		index := 0
		if n := len(sch.Columns); n > 0 {
			index = sch.Columns[n-1].Index + 1
		}
		c, err := tx.CreateColumn(ctx, core.Column{TableID: tableID, Name: name, Index: index, Options: len(labels), Labels: labels})
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// AddSiteColumn adds the table's site column. A table has at most one.
func (r *Registry) AddSiteColumn(ctx context.Context, tableID int64, user, name string, labels []string) (core.Column, error) {
	if err := validateColumn(name, labels); err != nil {
		return core.Column{}, err
	}
	var out core.Column
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		if sch.HasSite() {
			return &core.DuplicateNameError{Kind: "site column", Name: name}
		}
		c, err := tx.CreateColumn(ctx, core.Column{TableID: tableID, Name: name, Options: len(labels), Labels: labels, Site: true})
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// ExtendSiteColumn adds sites. The existing labels must be a strict prefix
// of labels so that stored site ids keep their meaning.
func (r *Registry) ExtendSiteColumn(ctx context.Context, tableID int64, user string, labels []string) (core.Column, error) {
	var out core.Column
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		if !sch.HasSite() {
			return core.ErrSiteInvalid
		}
		site := *sch.Site
		if err := validateColumn(site.Name, labels); err != nil {
			return err
		}
		if len(labels) <= site.Options {
			return &core.InvalidTextError{Field: "site labels", Value: strings.Join(labels, ","), Reason: "must add at least one site"}
		}
		for i := 0; i < site.Options; i++ {
			if labels[i] != site.Label(i) {
				return &core.InvalidTextError{Field: "site labels", Value: labels[i], Reason: "existing sites must be kept in order"}
			}
		}
		site.Options = len(labels)
		site.Labels = labels
		if err := tx.UpdateColumn(ctx, site); err != nil {
			return err
		}
		out = site
		return nil
	})
	return out, err
}

// AddRow adds one allocatable row.
func (r *Registry) AddRow(ctx context.Context, tableID int64, user string, row NewRow) (core.Row, error) {
	rows, err := r.AddRows(ctx, tableID, user, []NewRow{row})
	if err != nil {
		return core.Row{}, err
	}
	return rows[0], nil
}

// AddRows adds rows in order, all or none. Allocation order follows
// insertion order.
func (r *Registry) AddRows(ctx context.Context, tableID int64, user string, rows []NewRow) ([]core.Row, error) {
	var out []core.Row
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		out = out[:0]
		for i, nr := range rows {
			row, err := buildRow(sch, nr)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			stored, err := tx.InsertRow(ctx, row)
			if err != nil {
				return fmt.Errorf("insert row %d: %w", i, err)
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func buildRow(sch core.Schema, nr NewRow) (core.Row, error) {
	if nr.Arm != 1 && nr.Arm != 2 {
		return core.Row{}, core.ErrInvalidArm
	}
	row := core.Row{TableID: sch.Table.ID, Arm: nr.Arm}
	switch {
	case sch.HasSite() && nr.Site == nil:
		return core.Row{}, core.ErrSiteMissing
	case sch.HasSite():
		if *nr.Site < 0 || *nr.Site >= sch.Site.Options {
			return core.Row{}, &core.RangeError{Field: sch.Site.Name, Value: *nr.Site, Options: sch.Site.Options}
		}
		site := *nr.Site
		row.SiteID = &site
	case nr.Site != nil:
		return core.Row{}, core.ErrSiteInvalid
	}
	values, err := codec.Validate(nr.Fields, sch.Columns)
	if err != nil {
		return core.Row{}, err
	}
	row.Key = values.Key()
	return row, nil
}

// Rename replaces arm labels, column names and option labels. Option counts
// and column positions never change, so stored keys keep their meaning.
func (r *Registry) Rename(ctx context.Context, tableID int64, user string, rn Renames) (core.Schema, error) {
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		if err := validateRenames(sch, rn); err != nil {
			return err
		}
		sch.Table.Arm1, sch.Table.Arm2 = rn.Arm1, rn.Arm2
		if err := tx.UpdateTable(ctx, sch.Table); err != nil {
			return fmt.Errorf("update arms: %w", err)
		}

		cols := append([]core.Column(nil), sch.Columns...)
		renames := append([]ColumnRename(nil), rn.Columns...)
		if sch.HasSite() {
			cols = append(cols, *sch.Site)
			renames = append(renames, *rn.Site)
		}
		// Park every column on a unique placeholder first so that swapping
		// two names never collides with the old name.
		for _, c := range cols {
			c.Name = fmt.Sprintf("#rename-%d", c.ID)
			if err := tx.UpdateColumn(ctx, c); err != nil {
				return fmt.Errorf("park column %d: %w", c.ID, err)
			}
		}
		for i, c := range cols {
			c.Name = renames[i].Name
			c.Labels = append([]string(nil), renames[i].Labels...)
			if err := tx.UpdateColumn(ctx, c); err != nil {
				return fmt.Errorf("rename column %d: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return core.Schema{}, err
	}
	return r.Schema(ctx, tableID, user)
}

func validateRenames(sch core.Schema, rn Renames) error {
	if err := ValidateText("arm 1", rn.Arm1); err != nil {
		return err
	}
	if err := ValidateText("arm 2", rn.Arm2); err != nil {
		return err
	}
	if len(rn.Columns) != len(sch.Columns) {
		return &core.InvalidTextError{Field: "columns", Value: fmt.Sprint(len(rn.Columns)), Reason: fmt.Sprintf("expected %d columns", len(sch.Columns))}
	}
	if sch.HasSite() != (rn.Site != nil) {
		return core.ErrSiteInvalid
	}
	check := func(c core.Column, r ColumnRename) error {
		if err := validateColumn(r.Name, r.Labels); err != nil {
			return err
		}
		if len(r.Labels) != c.Options {
			return &core.InvalidTextError{Field: "labels of " + r.Name, Value: fmt.Sprint(len(r.Labels)), Reason: fmt.Sprintf("expected %d labels", c.Options)}
		}
		return nil
	}
	names := make(map[string]struct{})
	for i, c := range sch.Columns {
		if err := check(c, rn.Columns[i]); err != nil {
			return err
		}
		if _, dup := names[rn.Columns[i].Name]; dup {
			return &core.DuplicateNameError{Kind: "column", Name: rn.Columns[i].Name}
		}
		names[rn.Columns[i].Name] = struct{}{}
	}
	if rn.Site != nil {
		if err := check(*sch.Site, *rn.Site); err != nil {
			return err
		}
		if _, dup := names[rn.Site.Name]; dup {
			return &core.DuplicateNameError{Kind: "column", Name: rn.Site.Name}
		}
	}
	return nil
}

// SetHidden hides or shows a table in listings for non-owners.
func (r *Registry) SetHidden(ctx context.Context, tableID int64, user string, hidden bool) (core.Table, error) {
	var out core.Table
	err := r.ownerTx(ctx, tableID, user, func(tx storage.Tx, sch core.Schema) error {
		tbl := sch.Table
		tbl.Hidden = hidden
		if err := tx.UpdateTable(ctx, tbl); err != nil {
			return err
		}
		out = tbl
		return nil
	})
	return out, err
}

// DeleteTable removes the table with its columns, rows and grants.
func (r *Registry) DeleteTable(ctx context.Context, tableID int64, user string) error {
	return r.ownerTx(ctx, tableID, user, func(tx storage.Tx, _ core.Schema) error {
		return tx.DeleteTable(ctx, tableID)
	})
}

// RequireOwner returns nil when user owns the table.
func (r *Registry) RequireOwner(ctx context.Context, tableID int64, user string) error {
	return r.ownerTx(ctx, tableID, user, func(storage.Tx, core.Schema) error { return nil })
}

// GrantSites gives user active access to the listed sites. A nil siteIDs
// grants unrestricted access, used for tables without a site column.
func (r *Registry) GrantSites(ctx context.Context, tableID int64, owner, user string, siteIDs []int) error {
	return r.setSites(ctx, tableID, owner, user, siteIDs, true)
}

// RevokeSites deactivates the listed grants. The permission record is kept.
func (r *Registry) RevokeSites(ctx context.Context, tableID int64, owner, user string, siteIDs []int) error {
	return r.setSites(ctx, tableID, owner, user, siteIDs, false)
}

func (r *Registry) setSites(ctx context.Context, tableID int64, owner, user string, siteIDs []int, active bool) error {
	if user == "" {
		return &core.InvalidTextError{Field: "user", Reason: "cannot be blank"}
	}
	return r.ownerTx(ctx, tableID, owner, func(tx storage.Tx, sch core.Schema) error {
		if siteIDs != nil && !sch.HasSite() {
			return core.ErrSiteInvalid
		}
		for _, id := range siteIDs {
			if id < 0 || id >= sch.Site.Options {
				return &core.RangeError{Field: sch.Site.Name, Value: id, Options: sch.Site.Options}
			}
		}
		perm, err := tx.Permission(ctx, tableID, user)
		switch {
		case err == nil && perm.IsOwner:
			// owners already see every site
		case err == nil || errors.Is(err, core.ErrNotFound):
			if err := tx.SetPermission(ctx, core.Permission{TableID: tableID, User: user}); err != nil {
				return fmt.Errorf("set permission: %w", err)
			}
		default:
			return fmt.Errorf("load permission: %w", err)
		}
		if siteIDs == nil {
			return tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tableID, User: user, Active: active})
		}
		for _, id := range siteIDs {
			if err := tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tableID, User: user, SiteID: core.IntPtr(id), Active: active}); err != nil {
				return fmt.Errorf("grant site %d: %w", id, err)
			}
		}
		return nil
	})
}

// Schema returns the table's schema to anyone with access to it.
func (r *Registry) Schema(ctx context.Context, tableID int64, user string) (core.Schema, error) {
	var out core.Schema
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetTable(ctx, tableID); err != nil {
			return err
		}
		if _, err := access.Resolve(ctx, tx, tableID, user); err != nil {
			return err
		}
		sch, err := tx.Schema(ctx, tableID)
		if err != nil {
			return err
		}
		out = sch
		return nil
	})
	return out, err
}

// Rows renders the table's rows. Owners see every row in allocation order;
// participants see only the rows they completed, by participant id.
func (r *Registry) Rows(ctx context.Context, tableID int64, user string) ([]RowView, error) {
	var out []RowView
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetTable(ctx, tableID); err != nil {
			return err
		}
		scope, err := access.Resolve(ctx, tx, tableID, user)
		if err != nil {
			return err
		}
		sch, err := tx.Schema(ctx, tableID)
		if err != nil {
			return err
		}
		f := storage.RowFilter{}
		if !scope.Owner {
			f = storage.RowFilter{Sites: scope.Filter(), State: core.StateCompleted, ReservedBy: user}
		}
		rows, err := tx.ListRows(ctx, tableID, f)
		if err != nil {
			return fmt.Errorf("list rows: %w", err)
		}
		if !scope.Owner {
			sort.SliceStable(rows, func(i, j int) bool { return pid(rows[i]) < pid(rows[j]) })
		}
		out = make([]RowView, 0, len(rows))
		for _, row := range rows {
			v, err := render(sch, row)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Render turns a row into its display form.
func Render(sch core.Schema, row core.Row) (RowView, error) {
	return render(sch, row)
}

func render(sch core.Schema, row core.Row) (RowView, error) {
	arm, err := sch.Table.ArmName(row.Arm)
	if err != nil {
		return RowView{}, fmt.Errorf("row %d: %w", row.ID, core.ErrInvalidArm)
	}
	v := RowView{
		ID:         row.ID,
		Values:     codec.DecodeLabels(row.Key, sch.Columns),
		Arm:        arm,
		PatientID:  row.PatientID,
		ReservedBy: row.ReservedBy,
		Locked:     row.State() == core.StateReserved,
		Processed:  row.Processed,
	}
	if sch.HasSite() && row.SiteID != nil {
		v.Site = sch.Site.Label(*row.SiteID)
	}
	if last := row.LastChanged(); !last.IsZero() {
		v.LastChanged = &last
	}
	return v, nil
}

// BareView renders row without its schema: no labels, the arm by number.
func BareView(row core.Row) RowView {
	v := RowView{
		ID:         row.ID,
		Arm:        strconv.Itoa(row.Arm),
		PatientID:  row.PatientID,
		ReservedBy: row.ReservedBy,
		Locked:     row.State() == core.StateReserved,
		Processed:  row.Processed,
	}
	if last := row.LastChanged(); !last.IsZero() {
		v.LastChanged = &last
	}
	return v
}

func pid(r core.Row) int64 {
	if r.PatientID == nil {
		return 0
	}
	return *r.PatientID
}

// ownerTx runs fn in a transaction after checking that user owns the table.
func (r *Registry) ownerTx(ctx context.Context, tableID int64, user string, fn func(storage.Tx, core.Schema) error) error {
	return r.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetTable(ctx, tableID); err != nil {
			return err
		}
		scope, err := access.Resolve(ctx, tx, tableID, user)
		if err != nil {
			return err
		}
		if !scope.Owner {
			return core.ErrNotOwner
		}
		sch, err := tx.Schema(ctx, tableID)
		if err != nil {
			return err
		}
		return fn(tx, sch)
	})
}

func validateColumn(name string, labels []string) error {
	if err := ValidateText("column name", name); err != nil {
		return err
	}
	if len(labels) == 0 {
		return &core.InvalidTextError{Field: "labels of " + name, Reason: "at least one option is required"}
	}
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if err := ValidateText("label", l); err != nil {
			return err
		}
		if _, dup := seen[l]; dup {
			return &core.DuplicateNameError{Kind: "label", Name: l}
		}
		seen[l] = struct{}{}
	}
	return nil
}

// ValidateText rejects blank text and text that would change under HTML
// escaping or contains a comma.
func ValidateText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &core.InvalidTextError{Field: field, Value: v, Reason: "cannot be blank"}
	}
	if html.EscapeString(v) != v || strings.Contains(v, ",") {
		return &core.InvalidTextError{Field: field, Value: v, Reason: "limit text to letters, digits and spaces"}
	}
	return nil
}
