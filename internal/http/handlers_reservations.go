package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/schema"
)

type reserveRequest struct {
	Fields map[string]int `json:"fields"`
	Site   *int           `json:"site,omitempty"`
}

// RowEvent is broadcast to table watchers after a transition commits.
type RowEvent struct {
	Type      string        `json:"type"`
	TableID   int64         `json:"table_id"`
	RowID     int64         `json:"row_id"`
	State     core.RowState `json:"state"`
	User      string        `json:"user"`
	PatientID *int64        `json:"patient_id,omitempty"`
	At        time.Time     `json:"at"`
}

var eventTypes = map[allocation.Op]string{
	allocation.OpReserve:          "row.reserved",
	allocation.OpComplete:         "row.completed",
	allocation.OpCancel:           "row.cancelled",
	allocation.OpOverrideComplete: "row.override_completed",
	allocation.OpOverrideCancel:   "row.override_cancelled",
}

func (s *Service) reservations(w http.ResponseWriter, r *http.Request, tableID int64, user string, rest []string) {
	switch {
	case len(rest) == 0:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req reserveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		row, err := s.engine.Reserve(r.Context(), tableID, user, allocation.Request{Fields: req.Fields, Site: req.Site})
		s.respondRow(w, r, allocation.OpReserve, tableID, user, row, err, http.StatusCreated)

	case len(rest) == 1 && rest[0] == "mine":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		row, err := s.engine.MyReservedRow(r.Context(), tableID, user)
		s.respondRow(w, r, "", tableID, user, row, err, http.StatusOK)

	case len(rest) == 2 && (rest[1] == "complete" || rest[1] == "cancel"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rowID, err := parseID(rest[0])
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		op, fn := allocation.OpComplete, s.engine.Complete
		if rest[1] == "cancel" {
			op, fn = allocation.OpCancel, s.engine.Cancel
		}
		row, err := fn(r.Context(), tableID, user, rowID)
		s.respondRow(w, r, op, tableID, user, row, err, http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) override(w http.ResponseWriter, r *http.Request, tableID int64, user, rowPart, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rowID, err := parseID(rowPart)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var (
		op allocation.Op
		fn func(context.Context, int64, string, int64) (core.Row, error)
	)
	switch action {
	case "complete":
		op, fn = allocation.OpOverrideComplete, s.engine.OverrideComplete
	case "cancel":
		op, fn = allocation.OpOverrideCancel, s.engine.OverrideCancel
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	row, err := fn(r.Context(), tableID, user, rowID)
	s.respondRow(w, r, op, tableID, user, row, err, http.StatusOK)
}

// respondRow renders the outcome of an engine call and, for committed
// transitions, notifies watchers.
func (s *Service) respondRow(w http.ResponseWriter, r *http.Request, op allocation.Op, tableID int64, user string, row core.Row, err error, status int) {
	if err != nil {
		if core.KindOf(err) == core.KindInternal {
			s.log.Error("allocation failed", "op", string(op), "table_id", tableID, "request_id", RequestID(r.Context()), "error", err)
		}
		writeError(w, err)
		return
	}
	if op != "" {
		s.broadcast(op, tableID, user, row)
	}
	views, err := s.render(r, tableID, user, row)
	if err != nil {
		if op == "" {
			writeError(w, err)
			return
		}
		// The transition is committed; answer with the bare row.
		s.log.Warn("render committed row", "op", string(op), "table_id", tableID, "row_id", row.ID, "request_id", RequestID(r.Context()), "error", err)
		writeJSON(w, status, schema.BareView(row))
		return
	}
	writeJSON(w, status, views[0])
}

func (s *Service) broadcast(op allocation.Op, tableID int64, user string, row core.Row) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(tableID, RowEvent{
		Type:      eventTypes[op],
		TableID:   tableID,
		RowID:     row.ID,
		State:     row.State(),
		User:      user,
		PatientID: row.PatientID,
		At:        time.Now().UTC(),
	})
}
