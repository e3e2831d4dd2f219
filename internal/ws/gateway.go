package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/randomizer/internal/auth"
	"github.com/mistakeknot/randomizer/internal/core"
)

const writeTimeout = 5 * time.Second

// Authorizer decides whether user may watch a table.
type Authorizer func(ctx context.Context, tableID int64, user string) error

// Hub fans table events out to websocket subscribers of that table.
type Hub struct {
	mu    sync.RWMutex
	conns map[int64]map[*websocket.Conn]string
}

func NewHub() *Hub {
	return &Hub{conns: make(map[int64]map[*websocket.Conn]string)}
}

// Handler serves /ws/tables/{id}. Subscribers only receive; anything they
// send is read and dropped so close frames are noticed.
func (h *Hub) Handler(authorize Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/tables/"), "/")
		tableID, err := strconv.ParseInt(path, 10, 64)
		if err != nil || tableID <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		info, _ := auth.FromContext(r.Context())
		if info.User == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if authorize != nil {
			if err := authorize(r.Context(), tableID, info.User); err != nil {
				if core.KindOf(err) == core.KindNotFound {
					w.WriteHeader(http.StatusNotFound)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(tableID, info.User, conn)
		defer h.remove(tableID, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// Broadcast writes event to every subscriber of tableID. Subscribers whose
// write fails are dropped.
func (h *Hub) Broadcast(tableID int64, event any) {
	for _, conn := range h.snapshot(tableID) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, event)
		cancel()
		if err != nil {
			go func(conn *websocket.Conn) {
				conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(tableID, conn)
			}(conn)
		}
	}
}

// Subscribers returns the number of open connections watching tableID.
func (h *Hub) Subscribers(tableID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[tableID])
}

func (h *Hub) snapshot(tableID int64) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.conns[tableID]))
	for conn := range h.conns[tableID] {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) add(tableID int64, user string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perTable, ok := h.conns[tableID]
	if !ok {
		perTable = make(map[*websocket.Conn]string)
		h.conns[tableID] = perTable
	}
	perTable[conn] = user
}

func (h *Hub) remove(tableID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perTable, ok := h.conns[tableID]
	if !ok {
		return
	}
	delete(perTable, conn)
	if len(perTable) == 0 {
		delete(h.conns, tableID)
	}
}
