package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

var _ storage.Tx = (*Tx)(nil)

// Tx implements storage.Tx on one database transaction.
type Tx struct {
	q queryer
	d Dialect
}

const rowColumns = `id, table_id, row_key, site_id, arm, patient_id, reserved_by, reserved_at, processed, processed_at`

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func (t *Tx) isUnique(err error) bool {
	return t.d.IsUnique != nil && t.d.IsUnique(err)
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

func (t *Tx) CreateTable(ctx context.Context, tbl core.Table) (core.Table, error) {
	if tbl.CreatedAt.IsZero() {
		tbl.CreatedAt = time.Now().UTC()
	}
	err := t.queryRow(ctx,
		`INSERT INTO randomization_tables (name, arm_1, arm_2, hidden, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		tbl.Name, tbl.Arm1, tbl.Arm2, tbl.Hidden, t.d.timeArg(&tbl.CreatedAt),
	).Scan(&tbl.ID)
	if err != nil {
		if t.isUnique(err) {
			return core.Table{}, &core.DuplicateNameError{Kind: "table", Name: tbl.Name}
		}
		return core.Table{}, fmt.Errorf("insert table: %w", err)
	}
	return tbl, nil
}

func (t *Tx) UpdateTable(ctx context.Context, tbl core.Table) error {
	res, err := t.exec(ctx,
		`UPDATE randomization_tables SET name = ?, arm_1 = ?, arm_2 = ?, hidden = ? WHERE id = ?`,
		tbl.Name, tbl.Arm1, tbl.Arm2, tbl.Hidden, tbl.ID,
	)
	if err != nil {
		if t.isUnique(err) {
			return &core.DuplicateNameError{Kind: "table", Name: tbl.Name}
		}
		return fmt.Errorf("update table: %w", err)
	}
	return affectedOne(res)
}

func (t *Tx) GetTable(ctx context.Context, tableID int64) (core.Table, error) {
	row := t.queryRow(ctx,
		`SELECT id, name, arm_1, arm_2, hidden, created_at FROM randomization_tables WHERE id = ?`, tableID)
	tbl, err := scanTable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Table{}, core.ErrNotFound
	}
	if err != nil {
		return core.Table{}, fmt.Errorf("get table: %w", err)
	}
	return tbl, nil
}

func (t *Tx) ListTables(ctx context.Context) ([]core.Table, error) {
	rows, err := t.query(ctx,
		`SELECT id, name, arm_1, arm_2, hidden, created_at FROM randomization_tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []core.Table
	for rows.Next() {
		tbl, err := scanTable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, tbl)
	}
	return out, rows.Err()
}

func (t *Tx) DeleteTable(ctx context.Context, tableID int64) error {
	for _, q := range []string{
		`DELETE FROM table_rows WHERE table_id = ?`,
		`DELETE FROM site_access WHERE table_id = ?`,
		`DELETE FROM table_permissions WHERE table_id = ?`,
		`DELETE FROM table_columns WHERE table_id = ?`,
	} {
		if _, err := t.exec(ctx, q, tableID); err != nil {
			return fmt.Errorf("delete table: %w", err)
		}
	}
	res, err := t.exec(ctx, `DELETE FROM randomization_tables WHERE id = ?`, tableID)
	if err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	return affectedOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTable(s scanner) (core.Table, error) {
	var (
		tbl     core.Table
		created nullTime
	)
	if err := s.Scan(&tbl.ID, &tbl.Name, &tbl.Arm1, &tbl.Arm2, &tbl.Hidden, &created); err != nil {
		return core.Table{}, err
	}
	tbl.CreatedAt = created.Time
	return tbl, nil
}

// ---------------------------------------------------------------------------
// Columns
// ---------------------------------------------------------------------------

func (t *Tx) Schema(ctx context.Context, tableID int64) (core.Schema, error) {
	tbl, err := t.GetTable(ctx, tableID)
	if err != nil {
		return core.Schema{}, err
	}
	rows, err := t.query(ctx,
		`SELECT id, table_id, name, table_index, options, labels, is_site
		 FROM table_columns WHERE table_id = ? ORDER BY is_site, table_index, id`, tableID)
	if err != nil {
		return core.Schema{}, fmt.Errorf("load columns: %w", err)
	}
	defer rows.Close()
	sch := core.Schema{Table: tbl}
	for rows.Next() {
		var (
			c      core.Column
			index  sql.NullInt64
			labels string
		)
		if err := rows.Scan(&c.ID, &c.TableID, &c.Name, &index, &c.Options, &labels, &c.Site); err != nil {
			return core.Schema{}, fmt.Errorf("scan column: %w", err)
		}
		c.Index = int(index.Int64)
		if labels != "" {
			if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
				return core.Schema{}, fmt.Errorf("column %d labels: %w", c.ID, err)
			}
		}
		if c.Site {
			site := c
			sch.Site = &site
			continue
		}
		sch.Columns = append(sch.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return core.Schema{}, fmt.Errorf("load columns: %w", err)
	}
	return sch, nil
}

func (t *Tx) CreateColumn(ctx context.Context, c core.Column) (core.Column, error) {
	rows, err := t.query(ctx,
		`SELECT name, is_site FROM table_columns WHERE table_id = ? AND (name = ? OR is_site = ?)`,
		c.TableID, c.Name, true)
	if err != nil {
		return core.Column{}, fmt.Errorf("check column: %w", err)
	}
	for rows.Next() {
		var (
			name string
			site bool
		)
		if err := rows.Scan(&name, &site); err != nil {
			rows.Close()
			return core.Column{}, fmt.Errorf("check column: %w", err)
		}
		if name == c.Name {
			rows.Close()
			return core.Column{}, &core.DuplicateNameError{Kind: "column", Name: c.Name}
		}
		if site && c.Site {
			rows.Close()
			return core.Column{}, &core.DuplicateNameError{Kind: "site column", Name: c.Name}
		}
	}
	if err := rows.Close(); err != nil {
		return core.Column{}, fmt.Errorf("check column: %w", err)
	}

	labels, err := json.Marshal(nonNil(c.Labels))
	if err != nil {
		return core.Column{}, fmt.Errorf("encode labels: %w", err)
	}
	var index any
	if !c.Site {
		index = c.Index
	}
	err = t.queryRow(ctx,
		`INSERT INTO table_columns (table_id, name, table_index, options, labels, is_site)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		c.TableID, c.Name, index, c.Options, string(labels), c.Site,
	).Scan(&c.ID)
	if err != nil {
		if t.isUnique(err) {
			return core.Column{}, fmt.Errorf("column index %d already used: %w", c.Index, err)
		}
		return core.Column{}, fmt.Errorf("insert column: %w", err)
	}
	return c, nil
}

func (t *Tx) UpdateColumn(ctx context.Context, c core.Column) error {
	labels, err := json.Marshal(nonNil(c.Labels))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	res, err := t.exec(ctx,
		`UPDATE table_columns SET name = ?, options = ?, labels = ? WHERE id = ? AND table_id = ?`,
		c.Name, c.Options, string(labels), c.ID, c.TableID,
	)
	if err != nil {
		if t.isUnique(err) {
			return &core.DuplicateNameError{Kind: "column", Name: c.Name}
		}
		return fmt.Errorf("update column: %w", err)
	}
	return affectedOne(res)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

func (t *Tx) Permission(ctx context.Context, tableID int64, user string) (core.Permission, error) {
	p := core.Permission{TableID: tableID, User: user}
	err := t.queryRow(ctx,
		`SELECT is_owner FROM table_permissions WHERE table_id = ? AND username = ?`, tableID, user,
	).Scan(&p.IsOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Permission{}, core.ErrNotFound
	}
	if err != nil {
		return core.Permission{}, fmt.Errorf("load permission: %w", err)
	}
	return p, nil
}

func (t *Tx) SiteAccess(ctx context.Context, tableID int64, user string) ([]core.SiteAccess, error) {
	rows, err := t.query(ctx,
		`SELECT id, site_id, active FROM site_access WHERE table_id = ? AND username = ? ORDER BY id`, tableID, user)
	if err != nil {
		return nil, fmt.Errorf("load site access: %w", err)
	}
	defer rows.Close()
	var out []core.SiteAccess
	for rows.Next() {
		a := core.SiteAccess{TableID: tableID, User: user}
		var site sql.NullInt64
		if err := rows.Scan(&a.ID, &site, &a.Active); err != nil {
			return nil, fmt.Errorf("scan site access: %w", err)
		}
		a.SiteID = intPtr(site)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *Tx) SetPermission(ctx context.Context, p core.Permission) error {
	_, err := t.exec(ctx,
		`INSERT INTO table_permissions (table_id, username, is_owner) VALUES (?, ?, ?)
		 ON CONFLICT (table_id, username) DO UPDATE SET is_owner = excluded.is_owner`,
		p.TableID, p.User, p.IsOwner,
	)
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

func (t *Tx) GrantSiteAccess(ctx context.Context, a core.SiteAccess) error {
	site := nullInt(a.SiteID)
	res, err := t.exec(ctx,
		`UPDATE site_access SET active = ? WHERE table_id = ? AND username = ? AND site_id `+t.d.NullSafeEq+` ?`,
		a.Active, a.TableID, a.User, site,
	)
	if err != nil {
		return fmt.Errorf("update site access: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := t.exec(ctx,
		`INSERT INTO site_access (table_id, username, site_id, active) VALUES (?, ?, ?, ?)`,
		a.TableID, a.User, site, a.Active,
	); err != nil {
		return fmt.Errorf("insert site access: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

func (t *Tx) InsertRow(ctx context.Context, r core.Row) (core.Row, error) {
	err := t.queryRow(ctx,
		`INSERT INTO table_rows (table_id, row_key, site_id, arm, patient_id, reserved_by, reserved_at, processed, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.TableID, r.Key, nullInt(r.SiteID), r.Arm, nullInt64(r.PatientID), r.ReservedBy,
		t.d.timeArg(r.ReservedAt), r.Processed, t.d.timeArg(r.ProcessedAt),
	).Scan(&r.ID)
	if err != nil {
		return core.Row{}, fmt.Errorf("insert row: %w", err)
	}
	return r, nil
}

func (t *Tx) FindFirst(ctx context.Context, tableID int64, f storage.RowFilter) (*core.Row, error) {
	return t.first(ctx, tableID, f, "")
}

func (t *Tx) LockAndFindFirst(ctx context.Context, tableID int64, f storage.RowFilter) (*core.Row, error) {
	return t.first(ctx, tableID, f, t.d.ForUpdate)
}

func (t *Tx) first(ctx context.Context, tableID int64, f storage.RowFilter, suffix string) (*core.Row, error) {
	where, args := t.rowWhere(tableID, f)
	q := `SELECT ` + rowColumns + ` FROM table_rows WHERE ` + where + ` ORDER BY id LIMIT 1`
	if suffix != "" {
		q += " " + suffix
	}
	row, err := scanRow(t.queryRow(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select row: %w", err)
	}
	return &row, nil
}

func (t *Tx) ListRows(ctx context.Context, tableID int64, f storage.RowFilter) ([]core.Row, error) {
	where, args := t.rowWhere(tableID, f)
	rows, err := t.query(ctx, `SELECT `+rowColumns+` FROM table_rows WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()
	var out []core.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *Tx) SiteStats(ctx context.Context, tableID int64, site *int) (storage.SiteStats, error) {
	var (
		st     storage.SiteStats
		maxPID sql.NullInt64
	)
	err := t.queryRow(ctx,
		`SELECT COUNT(*), MAX(patient_id) FROM table_rows WHERE table_id = ? AND site_id `+t.d.NullSafeEq+` ?`,
		tableID, nullInt(site),
	).Scan(&st.Rows, &maxPID)
	if err != nil {
		return storage.SiteStats{}, fmt.Errorf("site stats: %w", err)
	}
	if maxPID.Valid {
		v := maxPID.Int64
		st.MaxPatientID = &v
	}
	return st, nil
}

func (t *Tx) StateCounts(ctx context.Context, tableID int64) (storage.StateCounts, error) {
	rows, err := t.query(ctx,
		`SELECT processed, CASE WHEN reserved_by = '' THEN 0 ELSE 1 END AS held, COUNT(*)
		 FROM table_rows WHERE table_id = ? GROUP BY processed, held`, tableID)
	if err != nil {
		return storage.StateCounts{}, fmt.Errorf("state counts: %w", err)
	}
	defer rows.Close()
	var c storage.StateCounts
	for rows.Next() {
		var (
			processed bool
			held      int
			n         int64
		)
		if err := rows.Scan(&processed, &held, &n); err != nil {
			return storage.StateCounts{}, fmt.Errorf("scan state counts: %w", err)
		}
		switch {
		case processed:
			c.Completed += n
		case held == 1:
			c.Reserved += n
		default:
			c.Available += n
		}
	}
	return c, rows.Err()
}

// ApplyRowUpdate writes the reservation columns of u. The update only
// matches while the row is still in u's source state.
func (t *Tx) ApplyRowUpdate(ctx context.Context, u core.RowUpdate) error {
	r := u.Row()
	cond, condArgs := stateWhere(u.From())
	args := []any{
		nullInt64(r.PatientID), r.ReservedBy, t.d.timeArg(r.ReservedAt), r.Processed, t.d.timeArg(r.ProcessedAt),
		r.ID, r.TableID,
	}
	res, err := t.exec(ctx,
		`UPDATE table_rows SET patient_id = ?, reserved_by = ?, reserved_at = ?, processed = ?, processed_at = ?
		 WHERE id = ? AND table_id = ? AND `+cond,
		append(args, condArgs...)...,
	)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = t.queryRow(ctx, `SELECT 1 FROM table_rows WHERE id = ? AND table_id = ?`, r.ID, r.TableID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	return fmt.Errorf("%w: row %d changed underneath", core.ErrInvalidTransition, r.ID)
}

func (t *Tx) LockUser(ctx context.Context, tableID int64, user string) error {
	if t.d.Lock == nil {
		return nil
	}
	return t.d.Lock(ctx, t.q, fmt.Sprintf("user:%d:%s", tableID, user))
}

func (t *Tx) LockSite(ctx context.Context, tableID int64, site *int) error {
	if t.d.Lock == nil {
		return nil
	}
	return t.d.Lock(ctx, t.q, fmt.Sprintf("site:%d:%s", tableID, core.SiteKey(site)))
}

func (t *Tx) rowWhere(tableID int64, f storage.RowFilter) (string, []any) {
	clauses := []string{"table_id = ?"}
	args := []any{tableID}
	if f.ID != 0 {
		clauses = append(clauses, "id = ?")
		args = append(args, f.ID)
	}
	if f.Key != nil {
		clauses = append(clauses, "row_key = ?")
		args = append(args, *f.Key)
	}
	if f.Sites.Restrict {
		var parts []string
		if len(f.Sites.IDs) > 0 {
			parts = append(parts, "site_id IN (?"+strings.Repeat(", ?", len(f.Sites.IDs)-1)+")")
			for _, id := range f.Sites.IDs {
				args = append(args, id)
			}
		}
		if f.Sites.Null {
			parts = append(parts, "site_id IS NULL")
		}
		if len(parts) == 0 {
			parts = append(parts, "1 = 0")
		}
		clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
	}
	if f.State != "" {
		cond, condArgs := stateWhere(f.State)
		clauses = append(clauses, cond)
		args = append(args, condArgs...)
	}
	if f.ReservedBy != "" {
		clauses = append(clauses, "reserved_by = ?")
		args = append(args, f.ReservedBy)
	}
	return strings.Join(clauses, " AND "), args
}

func stateWhere(s core.RowState) (string, []any) {
	switch s {
	case core.StateAvailable:
		return "processed = ? AND reserved_by = ''", []any{false}
	case core.StateReserved:
		return "processed = ? AND reserved_by <> ''", []any{false}
	case core.StateCompleted:
		return "processed = ?", []any{true}
	}
	return "1 = 0", nil
}

func scanRow(s scanner) (core.Row, error) {
	var (
		r                       core.Row
		site, patient           sql.NullInt64
		reservedAt, processedAt nullTime
	)
	if err := s.Scan(&r.ID, &r.TableID, &r.Key, &site, &r.Arm, &patient, &r.ReservedBy, &reservedAt, &r.Processed, &processedAt); err != nil {
		return core.Row{}, err
	}
	r.SiteID = intPtr(site)
	if patient.Valid {
		v := patient.Int64
		r.PatientID = &v
	}
	r.ReservedAt = reservedAt.ptr()
	r.ProcessedAt = processedAt.ptr()
	return r, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
