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
)

func TestAPIKeyIdentifiesUser(t *testing.T) {
	st := sqlite.NewSQLiteTest(t)
	svc := NewService(schema.New(st), allocation.New(st))
	ring := auth.NewKeyring(true, map[string]string{"secret-owner": "owner", "secret-alice": "alice"})
	h := NewRouter(svc, nil, auth.Middleware(ring))

	makeReq := func(method, path, key string, payload any) *httptest.ResponseRecorder {
		buf, _ := json.Marshal(payload)
		req := httptest.NewRequest(method, path, bytes.NewReader(buf))
		req.RemoteAddr = "203.0.113.10:9999"
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		// ignored for remote callers
		req.Header.Set(auth.UserHeader, "owner")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := makeReq(http.MethodPost, "/api/tables", "", map[string]any{"name": "t"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rr.Code)
	}
	rr := makeReq(http.MethodPost, "/api/tables", "secret-owner", map[string]any{"name": "t"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := makeReq(http.MethodPost, "/api/tables/1/columns", "secret-alice", map[string]any{"name": "c", "labels": []string{"a"}}); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner key, got %d", rr.Code)
	}
	if rr := makeReq(http.MethodPost, "/api/tables/1/columns", "secret-owner", map[string]any{"name": "c", "labels": []string{"a"}}); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for owner key, got %d", rr.Code)
	}
}
