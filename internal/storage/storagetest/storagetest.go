// Package storagetest holds the behaviour every storage.Store must share.
// Backend packages call Run from their tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

// Run exercises st. Every subtest creates its own tables, so st may be
// shared between them.
func Run(t *testing.T, st storage.Store) {
	t.Run("TablesAndColumns", func(t *testing.T) { testTablesAndColumns(t, st) })
	t.Run("Permissions", func(t *testing.T) { testPermissions(t, st) })
	t.Run("RowFilters", func(t *testing.T) { testRowFilters(t, st) })
	t.Run("ApplyRowUpdate", func(t *testing.T) { testApplyRowUpdate(t, st) })
	t.Run("SiteStats", func(t *testing.T) { testSiteStats(t, st) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, st) })
	t.Run("DeleteTable", func(t *testing.T) { testDeleteTable(t, st) })
}

var seq struct {
	sync.Mutex
	n int
}

func uniqueName(prefix string) string {
	seq.Lock()
	defer seq.Unlock()
	seq.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.n)
}

func inTx(t *testing.T, st storage.Store, fn func(ctx context.Context, tx storage.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx storage.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func newTable(t *testing.T, st storage.Store, withSite bool) (core.Table, []core.Column) {
	t.Helper()
	var (
		tbl  core.Table
		cols []core.Column
	)
	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		var err error
		tbl, err = tx.CreateTable(ctx, core.Table{Name: uniqueName("table")})
		require.NoError(t, err)
		for i, n := range []int{2, 3} {
			c, err := tx.CreateColumn(ctx, core.Column{TableID: tbl.ID, Name: fmt.Sprintf("c%d", i), Index: i, Options: n})
			require.NoError(t, err)
			cols = append(cols, c)
		}
		if withSite {
			_, err := tx.CreateColumn(ctx, core.Column{TableID: tbl.ID, Name: "site", Options: 3, Labels: []string{"a", "b", "c"}, Site: true})
			require.NoError(t, err)
		}
	})
	return tbl, cols
}

func testTablesAndColumns(t *testing.T, st storage.Store) {
	tbl, cols := newTable(t, st, true)
	assert.NotZero(t, tbl.ID)
	assert.False(t, tbl.CreatedAt.IsZero())

	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		got, err := tx.GetTable(ctx, tbl.ID)
		require.NoError(t, err)
		assert.Equal(t, tbl.Name, got.Name)

		_, err = tx.GetTable(ctx, -1)
		assert.ErrorIs(t, err, core.ErrNotFound)

		sch, err := tx.Schema(ctx, tbl.ID)
		require.NoError(t, err)
		require.Len(t, sch.Columns, 2)
		assert.Equal(t, cols[0].ID, sch.Columns[0].ID)
		assert.Equal(t, 3, sch.Columns[1].Options)
		require.NotNil(t, sch.Site)
		assert.Equal(t, []string{"a", "b", "c"}, sch.Site.Labels)

		tables, err := tx.ListTables(ctx)
		require.NoError(t, err)
		found := false
		for _, x := range tables {
			found = found || x.ID == tbl.ID
		}
		assert.True(t, found)
	})

	ctx := context.Background()
	err := st.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateTable(ctx, core.Table{Name: tbl.Name})
		return err
	})
	var dup *core.DuplicateNameError
	assert.ErrorAs(t, err, &dup)

	err = st.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateColumn(ctx, core.Column{TableID: tbl.ID, Name: "c0", Index: 5, Options: 2})
		return err
	})
	assert.ErrorAs(t, err, &dup)

	err = st.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateColumn(ctx, core.Column{TableID: tbl.ID, Name: "site2", Options: 2, Site: true})
		return err
	})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "site column", dup.Kind)

	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		c := cols[1]
		c.Name = "renamed"
		c.Labels = []string{"x", "y", "z"}
		require.NoError(t, tx.UpdateColumn(ctx, c))
		sch, err := tx.Schema(ctx, tbl.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", sch.Columns[1].Name)
		assert.Equal(t, "z", sch.Columns[1].Label(2))

		tbl.Arm1 = "placebo"
		require.NoError(t, tx.UpdateTable(ctx, tbl))
		got, err := tx.GetTable(ctx, tbl.ID)
		require.NoError(t, err)
		assert.Equal(t, "placebo", got.Arm1)
	})
}

func testPermissions(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, true)
	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		_, err := tx.Permission(ctx, tbl.ID, "alice")
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: tbl.ID, User: "alice"}))
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: tbl.ID, User: "alice", IsOwner: true}))
		p, err := tx.Permission(ctx, tbl.ID, "alice")
		require.NoError(t, err)
		assert.True(t, p.IsOwner)

		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tbl.ID, User: "alice", SiteID: core.IntPtr(1), Active: true}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tbl.ID, User: "alice", Active: true}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: tbl.ID, User: "alice", SiteID: core.IntPtr(1), Active: false}))

		access, err := tx.SiteAccess(ctx, tbl.ID, "alice")
		require.NoError(t, err)
		require.Len(t, access, 2, "regranting updates the existing record")
		assert.Equal(t, 1, *access[0].SiteID)
		assert.False(t, access[0].Active)
		assert.Nil(t, access[1].SiteID)
		assert.True(t, access[1].Active)
	})
}

func seedRows(t *testing.T, st storage.Store, tableID int64, rows []core.Row) []core.Row {
	t.Helper()
	var out []core.Row
	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		for _, r := range rows {
			r.TableID = tableID
			if r.Arm == 0 {
				r.Arm = 1
			}
			stored, err := tx.InsertRow(ctx, r)
			require.NoError(t, err)
			out = append(out, stored)
		}
	})
	return out
}

func testRowFilters(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, true)
	now := time.Date(2026, 2, 3, 4, 5, 6, 789000000, time.UTC)
	pid := int64(1001)
	rows := seedRows(t, st, tbl.ID, []core.Row{
		{Key: 1, SiteID: core.IntPtr(0)},
		{Key: 1, SiteID: core.IntPtr(1)},
		{Key: 1, SiteID: core.IntPtr(1), ReservedBy: "alice", ReservedAt: &now, PatientID: &pid},
		{Key: 2, SiteID: core.IntPtr(2), ReservedBy: "bob", ReservedAt: &now, PatientID: &pid, Processed: true, ProcessedAt: &now},
		{Key: 1},
	})
	key := int64(1)

	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		first, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{Key: &key, State: core.StateAvailable})
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, rows[0].ID, first.ID, "lowest id first")

		locked, err := tx.LockAndFindFirst(ctx, tbl.ID, storage.RowFilter{Key: &key, Sites: storage.SiteEquals(core.IntPtr(1)), State: core.StateAvailable})
		require.NoError(t, err)
		require.NotNil(t, locked)
		assert.Equal(t, rows[1].ID, locked.ID)

		noSite, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{Sites: storage.SiteEquals(nil)})
		require.NoError(t, err)
		require.NotNil(t, noSite)
		assert.Equal(t, rows[4].ID, noSite.ID)

		held, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{State: core.StateReserved, ReservedBy: "alice"})
		require.NoError(t, err)
		require.NotNil(t, held)
		assert.Equal(t, rows[2].ID, held.ID)
		require.NotNil(t, held.ReservedAt)
		assert.True(t, now.Equal(*held.ReservedAt))
		assert.Equal(t, pid, *held.PatientID)

		none, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{State: core.StateReserved, ReservedBy: "bob"})
		require.NoError(t, err)
		assert.Nil(t, none, "completed rows are not reserved")

		scoped, err := tx.ListRows(ctx, tbl.ID, storage.RowFilter{Sites: storage.SiteIn([]int{0, 2})})
		require.NoError(t, err)
		require.Len(t, scoped, 2)
		assert.Equal(t, rows[0].ID, scoped[0].ID)
		assert.Equal(t, rows[3].ID, scoped[1].ID)

		empty, err := tx.ListRows(ctx, tbl.ID, storage.RowFilter{Sites: storage.SiteIn(nil)})
		require.NoError(t, err)
		assert.Empty(t, empty)

		byID, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{ID: rows[3].ID})
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, core.StateCompleted, byID.State())

		counts, err := tx.StateCounts(ctx, tbl.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.StateCounts{Available: 3, Reserved: 1, Completed: 1}, counts)
	})
}

func testApplyRowUpdate(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, false)
	rows := seedRows(t, st, tbl.ID, []core.Row{{Key: 0}, {Key: 0}})
	now := time.Now().UTC().Truncate(time.Microsecond)

	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		row, err := tx.LockAndFindFirst(ctx, tbl.ID, storage.RowFilter{ID: rows[0].ID})
		require.NoError(t, err)
		u, err := row.Reserve("alice", 1001, now)
		require.NoError(t, err)
		require.NoError(t, tx.ApplyRowUpdate(ctx, u))

		got, err := tx.FindFirst(ctx, tbl.ID, storage.RowFilter{ID: rows[0].ID})
		require.NoError(t, err)
		assert.Equal(t, core.StateReserved, got.State())
		assert.Equal(t, int64(1001), *got.PatientID)

		// a second update computed from the stale Available row must fail
		stale, err := rows[0].Reserve("bob", 1002, now)
		require.NoError(t, err)
		assert.ErrorIs(t, tx.ApplyRowUpdate(ctx, stale), core.ErrInvalidTransition)

		u, err = got.Cancel()
		require.NoError(t, err)
		require.NoError(t, tx.ApplyRowUpdate(ctx, u))
		got, err = tx.FindFirst(ctx, tbl.ID, storage.RowFilter{ID: rows[0].ID})
		require.NoError(t, err)
		assert.Equal(t, core.StateAvailable, got.State())
		assert.Nil(t, got.PatientID)
		assert.Nil(t, got.ReservedAt)
	})
}

func testSiteStats(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, true)
	p1, p2 := int64(1001), int64(1005)
	seedRows(t, st, tbl.ID, []core.Row{
		{SiteID: core.IntPtr(0), ReservedBy: "a", PatientID: &p1},
		{SiteID: core.IntPtr(0), ReservedBy: "b", PatientID: &p2, Processed: true},
		{SiteID: core.IntPtr(0)},
		{SiteID: core.IntPtr(1)},
		{},
	})
	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		s0, err := tx.SiteStats(ctx, tbl.ID, core.IntPtr(0))
		require.NoError(t, err)
		assert.Equal(t, int64(3), s0.Rows)
		require.NotNil(t, s0.MaxPatientID)
		assert.Equal(t, p2, *s0.MaxPatientID)

		s1, err := tx.SiteStats(ctx, tbl.ID, core.IntPtr(1))
		require.NoError(t, err)
		assert.Equal(t, int64(1), s1.Rows)
		assert.Nil(t, s1.MaxPatientID)

		none, err := tx.SiteStats(ctx, tbl.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), none.Rows)

		require.NoError(t, tx.LockSite(ctx, tbl.ID, core.IntPtr(0)))
		require.NoError(t, tx.LockSite(ctx, tbl.ID, nil))
		require.NoError(t, tx.LockUser(ctx, tbl.ID, "a"))
	})
}

func testRollback(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, false)
	boom := errors.New("boom")
	ctx := context.Background()
	err := st.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.InsertRow(ctx, core.Row{TableID: tbl.ID, Arm: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.Same(t, boom, err, "fn's error is returned unchanged")

	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		rows, err := tx.ListRows(ctx, tbl.ID, storage.RowFilter{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func testDeleteTable(t *testing.T, st storage.Store) {
	tbl, _ := newTable(t, st, true)
	seedRows(t, st, tbl.ID, []core.Row{{SiteID: core.IntPtr(0)}})
	inTx(t, st, func(ctx context.Context, tx storage.Tx) {
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: tbl.ID, User: "o", IsOwner: true}))
		require.NoError(t, tx.DeleteTable(ctx, tbl.ID))
		_, err := tx.GetTable(ctx, tbl.ID)
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, tx.DeleteTable(ctx, tbl.ID), core.ErrNotFound)
		rows, err := tx.ListRows(ctx, tbl.ID, storage.RowFilter{})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}
