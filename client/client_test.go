package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/auth"
	httpapi "github.com/mistakeknot/randomizer/internal/http"
	"github.com/mistakeknot/randomizer/internal/schema"
	"github.com/mistakeknot/randomizer/internal/storage/sqlite"
	"github.com/mistakeknot/randomizer/internal/ws"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	hub := ws.NewHub()
	reg := schema.New(st)
	svc := httpapi.NewService(reg, allocation.New(st)).WithBroadcaster(hub)
	ring := auth.NewKeyring(true, map[string]string{"owner-key": "owner"})
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(reg.RequireOwner), auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return srv
}

// buildTrial creates a two-column table with one site and four rows, all
// in stratum {sex: 0, age: 1}.
func buildTrial(t *testing.T, owner *Client) Table {
	t.Helper()
	ctx := context.Background()
	tbl, err := owner.CreateTable(ctx, "trial")
	require.NoError(t, err)
	_, err = owner.AddColumn(ctx, tbl.ID, "sex", []string{"f", "m"})
	require.NoError(t, err)
	_, err = owner.AddColumn(ctx, tbl.ID, "age", []string{"young", "old"})
	require.NoError(t, err)
	_, err = owner.AddSiteColumn(ctx, tbl.ID, "site", []string{"north"})
	require.NoError(t, err)

	rows := make([]NewRow, 0, 4)
	for i := 0; i < 4; i++ {
		rows = append(rows, NewRow{Fields: map[string]int{"sex": 0, "age": 1}, Site: intPtr(0), Arm: 1 + i%2})
	}
	added, err := owner.AddRows(ctx, tbl.ID, rows)
	require.NoError(t, err)
	require.Len(t, added, 4)
	return tbl
}

func intPtr(v int) *int { return &v }

func TestClientReservationFlow(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	alice := New(srv.URL, WithUser("alice"))

	tbl := buildTrial(t, owner)
	require.NoError(t, owner.Grant(ctx, tbl.ID, "alice", 0))

	tables, err := alice.Tables(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "trial", tables[0].Name)

	row, err := alice.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.NoError(t, err)
	require.True(t, row.Locked)
	require.Equal(t, []string{"f", "old"}, row.Values)
	require.Equal(t, "north", row.Site)
	require.NotNil(t, row.PatientID)
	require.Equal(t, int64(1001), *row.PatientID)

	_, err = alice.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.Equal(t, KindAlreadyReserved, KindOf(err))

	mine, err := alice.Mine(ctx, tbl.ID)
	require.NoError(t, err)
	require.Equal(t, row.ID, mine.ID)

	done, err := alice.Complete(ctx, tbl.ID, row.ID)
	require.NoError(t, err)
	require.True(t, done.Processed)

	_, err = alice.Mine(ctx, tbl.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, KindNoReservation, apiErr.Kind)

	visible, err := alice.Rows(ctx, tbl.ID)
	require.NoError(t, err)
	require.Len(t, visible, 1)

	all, err := owner.Rows(ctx, tbl.ID)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestClientCancelAndOverride(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	bob := New(srv.URL, WithUser("bob"))

	tbl := buildTrial(t, owner)
	require.NoError(t, owner.Grant(ctx, tbl.ID, "bob", 0))

	row, err := bob.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.NoError(t, err)
	cancelled, err := bob.Cancel(ctx, tbl.ID, row.ID)
	require.NoError(t, err)
	require.False(t, cancelled.Locked)
	require.Nil(t, cancelled.PatientID)

	row, err = bob.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.NoError(t, err)

	_, err = bob.OverrideComplete(ctx, tbl.ID, row.ID)
	require.Equal(t, KindNotOwner, KindOf(err))

	forced, err := owner.OverrideComplete(ctx, tbl.ID, row.ID)
	require.NoError(t, err)
	require.True(t, forced.Processed)

	_, err = owner.OverrideCancel(ctx, tbl.ID, row.ID)
	require.Equal(t, KindNoReservation, KindOf(err))
}

func TestClientSchemaEditing(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	tbl := buildTrial(t, owner)

	col, err := owner.ExtendSiteColumn(ctx, tbl.ID, []string{"south"})
	require.NoError(t, err)
	require.Equal(t, []string{"north", "south"}, col.Labels)

	col, err = owner.ExtendSiteColumn(ctx, tbl.ID, []string{"east", "west"})
	require.NoError(t, err)
	require.Equal(t, []string{"north", "south", "east", "west"}, col.Labels)

	_, err = owner.ExtendSiteColumn(ctx, tbl.ID, []string{"north"})
	require.Equal(t, KindDuplicateName, KindOf(err))

	sch, err := owner.Rename(ctx, tbl.ID, Renames{
		Arm1: "drug",
		Arm2: "placebo",
		Columns: []ColumnRename{
			{Name: "gender", Labels: []string{"female", "male"}},
			{Name: "age", Labels: []string{"under 65", "65+"}},
		},
		Site: &ColumnRename{Name: "centre", Labels: []string{"north", "south"}},
	})
	require.NoError(t, err)
	require.Equal(t, "drug", sch.Table.Arm1)
	require.Equal(t, "gender", sch.Columns[0].Name)

	hidden, err := owner.SetHidden(ctx, tbl.ID, true)
	require.NoError(t, err)
	require.True(t, hidden.Hidden)

	_, err = owner.AddColumn(ctx, tbl.ID, "gender", []string{"a", "b"})
	require.Equal(t, KindDuplicateName, KindOf(err))

	_, err = New(srv.URL, WithUser("mallory")).Schema(ctx, tbl.ID)
	require.Equal(t, KindNoAccess, KindOf(err))
}

func TestClientRevokeRemovesScope(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	carol := New(srv.URL, WithUser("carol"))
	tbl := buildTrial(t, owner)

	require.NoError(t, owner.Grant(ctx, tbl.ID, "carol", 0))
	require.NoError(t, owner.Revoke(ctx, tbl.ID, "carol", 0))

	_, err := carol.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.Equal(t, KindNoSiteScope, KindOf(err))
}

func TestClientDeleteTable(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	alice := New(srv.URL, WithUser("alice"))
	tbl := buildTrial(t, owner)
	require.NoError(t, owner.Grant(ctx, tbl.ID, "alice", 0))

	require.Equal(t, KindNotOwner, KindOf(alice.DeleteTable(ctx, tbl.ID)))
	require.NoError(t, owner.DeleteTable(ctx, tbl.ID))
	require.Equal(t, KindNotFound, KindOf(owner.DeleteTable(ctx, tbl.ID)))

	tables, err := owner.Tables(ctx)
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestClientUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Tables(ctx)
	require.Error(t, err)
	require.Equal(t, "", KindOf(err))
}

func TestDecodeErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL).Tables(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Equal(t, "Bad Gateway", apiErr.Kind)
}

func TestWatcherReceivesRowEvents(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	alice := New(srv.URL, WithUser("alice"))
	tbl := buildTrial(t, owner)
	require.NoError(t, owner.Grant(ctx, tbl.ID, "alice", 0))

	var (
		mu     sync.Mutex
		events []RowEvent
	)
	w := NewWatcher(srv.URL, tbl.ID, WithWatchAPIKey("owner-key"))
	w.OnEvent(FilterTypes(func(e RowEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, EventReserved, EventCompleted))
	require.NoError(t, w.Connect(ctx))
	t.Cleanup(func() { _ = w.Close() })

	// The hub registers the connection after the handshake returns.
	time.Sleep(50 * time.Millisecond)

	row, err := alice.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.NoError(t, err)
	_, err = alice.Cancel(ctx, tbl.ID, row.ID)
	require.NoError(t, err)
	row, err = alice.Reserve(ctx, tbl.ID, ReserveRequest{Fields: map[string]int{"sex": 0, "age": 1}})
	require.NoError(t, err)
	_, err = alice.Complete(ctx, tbl.ID, row.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, EventReserved, events[0].Type)
	require.Equal(t, EventReserved, events[1].Type)
	require.Equal(t, EventCompleted, events[2].Type)
	require.Equal(t, "alice", events[2].User)
	require.Equal(t, row.ID, events[2].RowID)
}

func TestWatcherRequiresOwner(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	owner := New(srv.URL, WithAPIKey("owner-key"))
	tbl := buildTrial(t, owner)

	w := NewWatcher(srv.URL, tbl.ID, WithWatchUser("alice"))
	err := w.Connect(ctx)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.Status)
}
