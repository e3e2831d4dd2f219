package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event types pushed to table watchers.
const (
	EventReserved          = "row.reserved"
	EventCompleted         = "row.completed"
	EventCancelled         = "row.cancelled"
	EventOverrideCompleted = "row.override_completed"
	EventOverrideCancelled = "row.override_cancelled"
)

// RowEvent is one committed row transition.
type RowEvent struct {
	Type      string    `json:"type"`
	TableID   int64     `json:"table_id"`
	RowID     int64     `json:"row_id"`
	State     string    `json:"state"`
	User      string    `json:"user"`
	PatientID *int64    `json:"patient_id,omitempty"`
	At        time.Time `json:"at"`
}

// EventHandler is called for each event received from the server.
type EventHandler func(event RowEvent)

// Watcher follows the row events of one table. Only table owners may watch.
type Watcher struct {
	baseURL   string
	tableID   int64
	apiKey    string
	user      string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
}

type WatchOption func(*Watcher)

func WithWatchAPIKey(key string) WatchOption {
	return func(w *Watcher) {
		w.apiKey = key
	}
}

func WithWatchUser(user string) WatchOption {
	return func(w *Watcher) {
		w.user = user
	}
}

// WithAutoReconnect redials with backoff after the connection drops.
func WithAutoReconnect(enabled bool) WatchOption {
	return func(w *Watcher) {
		w.reconnect = enabled
	}
}

func NewWatcher(baseURL string, tableID int64, opts ...WatchOption) *Watcher {
	w := &Watcher{
		baseURL: baseURL,
		tableID: tableID,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnEvent registers an event handler.
func (w *Watcher) OnEvent(handler EventHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Connect dials the table's event stream and starts dispatching events.
func (w *Watcher) Connect(ctx context.Context) error {
	if err := w.dial(ctx); err != nil {
		return err
	}
	go w.readLoop(ctx)
	return nil
}

func (w *Watcher) dial(ctx context.Context) error {
	wsURL, err := w.buildURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{HTTPHeader: map[string][]string{}}
	if w.apiKey != "" {
		opts.HTTPHeader["Authorization"] = []string{"Bearer " + w.apiKey}
	}
	if w.user != "" {
		opts.HTTPHeader["X-User"] = []string{w.user}
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Kind: "websocket", Message: err.Error()}
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// Close stops the watcher and closes the connection.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (w *Watcher) buildURL() (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/tables/" + strconv.FormatInt(w.tableID, 10)
	return u.String(), nil
}

func (w *Watcher) readLoop(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		var event RowEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if !w.reconnect || !w.redial(ctx) {
				return
			}
			continue
		}
		w.dispatch(event)
	}
}

func (w *Watcher) dispatch(event RowEvent) {
	w.mu.RLock()
	handlers := make([]EventHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial retries until it connects or the watcher stops.
func (w *Watcher) redial(ctx context.Context) bool {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-w.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := w.dial(ctx); err == nil {
			return true
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// FilterTypes wraps handler so it only sees the listed event types.
func FilterTypes(handler EventHandler, types ...string) EventHandler {
	return func(event RowEvent) {
		for _, t := range types {
			if event.Type == t {
				handler(event)
				return
			}
		}
	}
}
