package embedded

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/randomizer/client"
	"github.com/mistakeknot/randomizer/internal/auth"
)

func TestEmbeddedServerAllocates(t *testing.T) {
	dir := t.TempDir()
	srv, err := New(Config{DBPath: filepath.Join(dir, "db", "randomizer.db"), Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	ctx := context.Background()
	owner := client.New(srv.URL(), client.WithUser("owner"))
	tbl, err := owner.CreateTable(ctx, "embedded")
	require.NoError(t, err)
	_, err = owner.AddColumn(ctx, tbl.ID, "risk", []string{"low", "high"})
	require.NoError(t, err)
	_, err = owner.AddRows(ctx, tbl.ID, []client.NewRow{
		{Fields: map[string]int{"risk": 0}, Arm: 1},
		{Fields: map[string]int{"risk": 0}, Arm: 2},
	})
	require.NoError(t, err)

	row, err := owner.Reserve(ctx, tbl.ID, client.ReserveRequest{Fields: map[string]int{"risk": 0}})
	require.NoError(t, err)
	require.Equal(t, "1", row.Arm)
	require.Equal(t, int64(1001), *row.PatientID)
}

func TestEmbeddedServerWithKeys(t *testing.T) {
	dir := t.TempDir()
	keys := filepath.Join(dir, "keys.yaml")
	res, err := auth.AddUserKey(keys, "owner")
	require.NoError(t, err)

	srv, err := New(Config{DBPath: filepath.Join(dir, "randomizer.db"), Addr: "127.0.0.1:0", KeysFile: keys})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	tbl, err := client.New(srv.URL(), client.WithAPIKey(res.Key)).CreateTable(context.Background(), "keyed")
	require.NoError(t, err)
	require.Equal(t, "keyed", tbl.Name)
}

func TestStopWithoutStart(t *testing.T) {
	srv, err := New(Config{DBPath: filepath.Join(t.TempDir(), "randomizer.db"), Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, srv.Stop())
}
