package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/auth"
	"github.com/mistakeknot/randomizer/internal/schema"
	"github.com/mistakeknot/randomizer/internal/storage/sqlite"
	"github.com/mistakeknot/randomizer/internal/ws"
)

// testEnv bundles a Service + httptest.Server + ws.Hub for handler tests.
// Requests come from localhost and name their user with X-User.
type testEnv struct {
	srv   *httptest.Server
	hub   *ws.Hub
	store *sqlite.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	hub := ws.NewHub()
	reg := schema.New(st)
	svc := NewService(reg, allocation.New(st)).WithBroadcaster(hub)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(reg.RequireOwner), auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st}
}

func (e *testEnv) do(t *testing.T, method, user, path string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) post(t *testing.T, user, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, user, path, body)
}

func (e *testEnv) get(t *testing.T, user, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, user, path, nil)
}

func (e *testEnv) put(t *testing.T, user, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPut, user, path, body)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d (%s: %s)", want, resp.StatusCode, body.Error, body.Message)
	}
}

// requireKind checks status and error kind of a failed request.
func requireKind(t *testing.T, resp *http.Response, status int, kind string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	body := decodeJSON[errorResponse](t, resp)
	if string(body.Error) != kind {
		t.Fatalf("expected error kind %q, got %q (%s)", kind, body.Error, body.Message)
	}
}
