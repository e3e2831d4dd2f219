package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

func seed(t *testing.T, fn func(ctx context.Context, tx storage.Tx, tableID int64)) (*storage.InMemory, int64) {
	t.Helper()
	st := storage.NewInMemory()
	var tableID int64
	err := st.InTx(context.Background(), func(tx storage.Tx) error {
		tbl, err := tx.CreateTable(context.Background(), core.Table{Name: "trial"})
		if err != nil {
			return err
		}
		tableID = tbl.ID
		fn(context.Background(), tx, tableID)
		return nil
	})
	require.NoError(t, err)
	return st, tableID
}

func resolve(t *testing.T, st storage.Store, tableID int64, user string) (Scope, error) {
	t.Helper()
	var scope Scope
	err := st.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		scope, err = Resolve(context.Background(), tx, tableID, user)
		return err
	})
	return scope, err
}

func TestResolveWithoutPermissionIsNoAccess(t *testing.T) {
	st, tableID := seed(t, func(context.Context, storage.Tx, int64) {})
	_, err := resolve(t, st, tableID, "nobody")
	assert.ErrorIs(t, err, core.ErrNoAccess)
}

func TestResolveOwnerSeesAllSites(t *testing.T) {
	st, tableID := seed(t, func(ctx context.Context, tx storage.Tx, id int64) {
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: id, User: "owner", IsOwner: true}))
	})
	scope, err := resolve(t, st, tableID, "owner")
	require.NoError(t, err)
	assert.True(t, scope.Owner)
	assert.True(t, scope.AllSites)
	assert.True(t, scope.Allows(core.IntPtr(7)))
	assert.Equal(t, storage.AnySite(), scope.Filter())
}

func TestResolveParticipantWithoutActiveGrantIsNoSiteScope(t *testing.T) {
	st, tableID := seed(t, func(ctx context.Context, tx storage.Tx, id int64) {
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: id, User: "p"}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: id, User: "p", SiteID: core.IntPtr(1), Active: false}))
	})
	_, err := resolve(t, st, tableID, "p")
	assert.ErrorIs(t, err, core.ErrNoSiteScope)
}

func TestResolveParticipantSites(t *testing.T) {
	st, tableID := seed(t, func(ctx context.Context, tx storage.Tx, id int64) {
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: id, User: "p"}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: id, User: "p", SiteID: core.IntPtr(3), Active: true}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: id, User: "p", SiteID: core.IntPtr(1), Active: true}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: id, User: "p", SiteID: core.IntPtr(2), Active: false}))
	})
	scope, err := resolve(t, st, tableID, "p")
	require.NoError(t, err)
	assert.False(t, scope.Owner)
	assert.False(t, scope.AllSites)
	assert.Equal(t, []int{1, 3}, scope.SiteIDs)
	assert.True(t, scope.Allows(core.IntPtr(3)))
	assert.False(t, scope.Allows(core.IntPtr(2)))
	assert.False(t, scope.Allows(nil))
}

func TestResolveNullGrantIsUnrestricted(t *testing.T) {
	st, tableID := seed(t, func(ctx context.Context, tx storage.Tx, id int64) {
		require.NoError(t, tx.SetPermission(ctx, core.Permission{TableID: id, User: "p"}))
		require.NoError(t, tx.GrantSiteAccess(ctx, core.SiteAccess{TableID: id, User: "p", Active: true}))
	})
	scope, err := resolve(t, st, tableID, "p")
	require.NoError(t, err)
	assert.True(t, scope.AllSites)
	assert.False(t, scope.Owner)
}

func TestResolveSite(t *testing.T) {
	single := Scope{SiteIDs: []int{2}}
	multi := Scope{SiteIDs: []int{1, 2}}
	all := Scope{AllSites: true}

	tests := []struct {
		name     string
		scope    Scope
		hasSite  bool
		supplied *int
		want     *int
		err      error
	}{
		{name: "no site column", scope: all, hasSite: false},
		{name: "no site column but supplied", scope: all, hasSite: false, supplied: core.IntPtr(0), err: core.ErrSiteInvalid},
		{name: "single inferred", scope: single, hasSite: true, want: core.IntPtr(2)},
		{name: "single supplied", scope: single, hasSite: true, supplied: core.IntPtr(2), err: core.ErrSitePopulated},
		{name: "multi supplied in scope", scope: multi, hasSite: true, supplied: core.IntPtr(1), want: core.IntPtr(1)},
		{name: "multi supplied outside scope", scope: multi, hasSite: true, supplied: core.IntPtr(5), err: core.ErrSiteInvalid},
		{name: "multi omitted", scope: multi, hasSite: true, err: core.ErrSiteMissing},
		{name: "all supplied", scope: all, hasSite: true, supplied: core.IntPtr(9), want: core.IntPtr(9)},
		{name: "all omitted", scope: all, hasSite: true, err: core.ErrSiteMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.scope.ResolveSite(tt.hasSite, tt.supplied)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
