package httpapi

import (
	"encoding/json"
	"net/http"
)

// NewRouter wires the API. mw authenticates every /api and /ws route;
// /healthz and /metrics are left open.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/tables", wrap(http.HandlerFunc(svc.handleTables)))
	mux.Handle("/api/tables/", wrap(http.HandlerFunc(svc.handleTable)))

	if wsHandler != nil {
		mux.Handle("/ws/tables/", wrap(wsHandler))
	}
	if svc.metrics != nil {
		mux.Handle("/metrics", svc.metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return requestLog(svc.log, mux)
}
