package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/randomizer/internal/core"
)

// InMemory is a minimal in-memory store for tests. Transactions are
// serialized by a single mutex and work on a copy of the state that replaces
// the original only when fn succeeds.
type InMemory struct {
	mu    sync.Mutex
	state memState
}

type permKey struct {
	table int64
	user  string
}

type memState struct {
	nextID  int64
	tables  map[int64]core.Table
	columns map[int64][]core.Column
	rows    []core.Row
	perms   map[permKey]core.Permission
	access  []core.SiteAccess
}

func NewInMemory() *InMemory {
	return &InMemory{state: memState{
		tables:  make(map[int64]core.Table),
		columns: make(map[int64][]core.Column),
		perms:   make(map[permKey]core.Permission),
	}}
}

func (m *InMemory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{s: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.s
	return nil
}

func (m *InMemory) Close() error { return nil }

func (s memState) clone() memState {
	out := memState{
		nextID:  s.nextID,
		tables:  make(map[int64]core.Table, len(s.tables)),
		columns: make(map[int64][]core.Column, len(s.columns)),
		rows:    append([]core.Row(nil), s.rows...),
		perms:   make(map[permKey]core.Permission, len(s.perms)),
		access:  append([]core.SiteAccess(nil), s.access...),
	}
	for k, v := range s.tables {
		out.tables[k] = v
	}
	for k, v := range s.columns {
		out.columns[k] = append([]core.Column(nil), v...)
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	return out
}

type memTx struct {
	s memState
}

func (t *memTx) id() int64 {
	t.s.nextID++
	return t.s.nextID
}

func (t *memTx) CreateTable(_ context.Context, tbl core.Table) (core.Table, error) {
	for _, existing := range t.s.tables {
		if existing.Name == tbl.Name {
			return core.Table{}, &core.DuplicateNameError{Kind: "table", Name: tbl.Name}
		}
	}
	tbl.ID = t.id()
	if tbl.CreatedAt.IsZero() {
		tbl.CreatedAt = time.Now().UTC()
	}
	t.s.tables[tbl.ID] = tbl
	return tbl, nil
}

func (t *memTx) UpdateTable(_ context.Context, tbl core.Table) error {
	if _, ok := t.s.tables[tbl.ID]; !ok {
		return core.ErrNotFound
	}
	t.s.tables[tbl.ID] = tbl
	return nil
}

func (t *memTx) GetTable(_ context.Context, tableID int64) (core.Table, error) {
	tbl, ok := t.s.tables[tableID]
	if !ok {
		return core.Table{}, core.ErrNotFound
	}
	return tbl, nil
}

func (t *memTx) ListTables(_ context.Context) ([]core.Table, error) {
	out := make([]core.Table, 0, len(t.s.tables))
	for _, tbl := range t.s.tables {
		out = append(out, tbl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) DeleteTable(_ context.Context, tableID int64) error {
	if _, ok := t.s.tables[tableID]; !ok {
		return core.ErrNotFound
	}
	delete(t.s.tables, tableID)
	delete(t.s.columns, tableID)
	rows := t.s.rows[:0]
	for _, r := range t.s.rows {
		if r.TableID != tableID {
			rows = append(rows, r)
		}
	}
	t.s.rows = rows
	for k := range t.s.perms {
		if k.table == tableID {
			delete(t.s.perms, k)
		}
	}
	access := t.s.access[:0]
	for _, a := range t.s.access {
		if a.TableID != tableID {
			access = append(access, a)
		}
	}
	t.s.access = access
	return nil
}

func (t *memTx) Schema(_ context.Context, tableID int64) (core.Schema, error) {
	tbl, ok := t.s.tables[tableID]
	if !ok {
		return core.Schema{}, core.ErrNotFound
	}
	sch := core.Schema{Table: tbl}
	for _, c := range t.s.columns[tableID] {
		if c.Site {
			site := c
			sch.Site = &site
			continue
		}
		sch.Columns = append(sch.Columns, c)
	}
	sort.Slice(sch.Columns, func(i, j int) bool { return sch.Columns[i].Index < sch.Columns[j].Index })
	return sch, nil
}

func (t *memTx) CreateColumn(_ context.Context, c core.Column) (core.Column, error) {
	if _, ok := t.s.tables[c.TableID]; !ok {
		return core.Column{}, core.ErrNotFound
	}
	for _, existing := range t.s.columns[c.TableID] {
		if existing.Name == c.Name {
			return core.Column{}, &core.DuplicateNameError{Kind: "column", Name: c.Name}
		}
		if existing.Site && c.Site {
			return core.Column{}, &core.DuplicateNameError{Kind: "site column", Name: c.Name}
		}
		if !existing.Site && !c.Site && existing.Index == c.Index {
			return core.Column{}, fmt.Errorf("column index %d already used", c.Index)
		}
	}
	c.ID = t.id()
	c.Labels = append([]string(nil), c.Labels...)
	t.s.columns[c.TableID] = append(t.s.columns[c.TableID], c)
	return c, nil
}

func (t *memTx) UpdateColumn(_ context.Context, c core.Column) error {
	cols := t.s.columns[c.TableID]
	for _, existing := range cols {
		if existing.ID != c.ID && existing.Name == c.Name {
			return &core.DuplicateNameError{Kind: "column", Name: c.Name}
		}
	}
	for i, existing := range cols {
		if existing.ID == c.ID {
			c.Labels = append([]string(nil), c.Labels...)
			cols[i] = c
			return nil
		}
	}
	return core.ErrNotFound
}

func (t *memTx) Permission(_ context.Context, tableID int64, user string) (core.Permission, error) {
	p, ok := t.s.perms[permKey{tableID, user}]
	if !ok {
		return core.Permission{}, core.ErrNotFound
	}
	return p, nil
}

func (t *memTx) SiteAccess(_ context.Context, tableID int64, user string) ([]core.SiteAccess, error) {
	var out []core.SiteAccess
	for _, a := range t.s.access {
		if a.TableID == tableID && a.User == user {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) SetPermission(_ context.Context, p core.Permission) error {
	if _, ok := t.s.tables[p.TableID]; !ok {
		return core.ErrNotFound
	}
	t.s.perms[permKey{p.TableID, p.User}] = p
	return nil
}

func (t *memTx) GrantSiteAccess(_ context.Context, a core.SiteAccess) error {
	if _, ok := t.s.tables[a.TableID]; !ok {
		return core.ErrNotFound
	}
	for i, existing := range t.s.access {
		if existing.TableID == a.TableID && existing.User == a.User && core.SameSite(existing.SiteID, a.SiteID) {
			t.s.access[i].Active = a.Active
			return nil
		}
	}
	a.ID = t.id()
	t.s.access = append(t.s.access, a)
	return nil
}

func (t *memTx) InsertRow(_ context.Context, r core.Row) (core.Row, error) {
	if _, ok := t.s.tables[r.TableID]; !ok {
		return core.Row{}, core.ErrNotFound
	}
	r.ID = t.id()
	t.s.rows = append(t.s.rows, r)
	return r, nil
}

func (t *memTx) FindFirst(_ context.Context, tableID int64, f RowFilter) (*core.Row, error) {
	for _, r := range t.s.rows {
		if r.TableID == tableID && f.Matches(r) {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

// LockAndFindFirst needs no extra locking: the whole transaction holds the
// store mutex.
func (t *memTx) LockAndFindFirst(ctx context.Context, tableID int64, f RowFilter) (*core.Row, error) {
	return t.FindFirst(ctx, tableID, f)
}

func (t *memTx) ListRows(_ context.Context, tableID int64, f RowFilter) ([]core.Row, error) {
	var out []core.Row
	for _, r := range t.s.rows {
		if r.TableID == tableID && f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) SiteStats(_ context.Context, tableID int64, site *int) (SiteStats, error) {
	var st SiteStats
	for _, r := range t.s.rows {
		if r.TableID != tableID || !core.SameSite(r.SiteID, site) {
			continue
		}
		st.Rows++
		if r.PatientID != nil && (st.MaxPatientID == nil || *r.PatientID > *st.MaxPatientID) {
			v := *r.PatientID
			st.MaxPatientID = &v
		}
	}
	return st, nil
}

func (t *memTx) StateCounts(_ context.Context, tableID int64) (StateCounts, error) {
	var c StateCounts
	for _, r := range t.s.rows {
		if r.TableID != tableID {
			continue
		}
		switch r.State() {
		case core.StateAvailable:
			c.Available++
		case core.StateReserved:
			c.Reserved++
		case core.StateCompleted:
			c.Completed++
		}
	}
	return c, nil
}

func (t *memTx) ApplyRowUpdate(_ context.Context, u core.RowUpdate) error {
	next := u.Row()
	for i, r := range t.s.rows {
		if r.ID != next.ID {
			continue
		}
		if r.State() != u.From() {
			return fmt.Errorf("%w: row %d changed underneath", core.ErrInvalidTransition, r.ID)
		}
		t.s.rows[i] = next
		return nil
	}
	return core.ErrNotFound
}

func (t *memTx) LockUser(context.Context, int64, string) error { return nil }

func (t *memTx) LockSite(context.Context, int64, *int) error { return nil }
