package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/schema"
)

type createTableRequest struct {
	Name string `json:"name"`
}

type tablesResponse struct {
	Tables []core.Table `json:"tables"`
}

type columnRequest struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

type updateTableRequest struct {
	Hidden *bool `json:"hidden"`
}

type addRowsRequest struct {
	Rows []schema.NewRow `json:"rows"`
}

type rowsResponse struct {
	Rows []schema.RowView `json:"rows"`
}

type grantRequest struct {
	User  string `json:"user"`
	Sites []int  `json:"sites"`
}

func (s *Service) handleTables(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		tables, err := s.registry.Tables(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		if tables == nil {
			tables = []core.Table{}
		}
		writeJSON(w, http.StatusOK, tablesResponse{Tables: tables})
	case http.MethodPost:
		var req createTableRequest
		if !decodeBody(w, r, &req) {
			return
		}
		tbl, err := s.registry.CreateTable(r.Context(), req.Name, user)
		if err != nil {
			writeError(w, err)
			return
		}
		s.log.Info("table created", "table_id", tbl.ID, "owner", user)
		writeJSON(w, http.StatusCreated, tbl)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTable dispatches /api/tables/{id}/...
func (s *Service) handleTable(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tables/"), "/"), "/")
	tableID, err := parseID(parts[0])
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	rest := parts[1:]

	switch {
	case len(rest) == 0:
		s.tableRoot(w, r, tableID, user)
	case len(rest) == 1 && rest[0] == "columns":
		s.addColumn(w, r, tableID, user)
	case len(rest) == 1 && rest[0] == "site-column":
		s.siteColumn(w, r, tableID, user)
	case len(rest) == 1 && rest[0] == "rows":
		s.rows(w, r, tableID, user)
	case len(rest) == 1 && rest[0] == "names":
		s.rename(w, r, tableID, user)
	case len(rest) == 1 && rest[0] == "grants":
		s.grants(w, r, tableID, user)
	case len(rest) >= 1 && rest[0] == "reservations":
		s.reservations(w, r, tableID, user, rest[1:])
	case len(rest) == 4 && rest[0] == "rows" && rest[2] == "override":
		s.override(w, r, tableID, user, rest[1], rest[3])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) tableRoot(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	switch r.Method {
	case http.MethodGet:
		sch, err := s.registry.Schema(r.Context(), tableID, user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sch)
	case http.MethodPatch:
		var req updateTableRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Hidden == nil {
			writeBadRequest(w, "nothing to update")
			return
		}
		tbl, err := s.registry.SetHidden(r.Context(), tableID, user, *req.Hidden)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tbl)
	case http.MethodDelete:
		if err := s.registry.DeleteTable(r.Context(), tableID, user); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) addColumn(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req columnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	col, err := s.registry.AddColumn(r.Context(), tableID, user, req.Name, req.Labels)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *Service) siteColumn(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	var req columnRequest
	switch r.Method {
	case http.MethodPost:
		if !decodeBody(w, r, &req) {
			return
		}
		col, err := s.registry.AddSiteColumn(r.Context(), tableID, user, req.Name, req.Labels)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, col)
	case http.MethodPut:
		if !decodeBody(w, r, &req) {
			return
		}
		col, err := s.registry.ExtendSiteColumn(r.Context(), tableID, user, req.Labels)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, col)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) rows(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	switch r.Method {
	case http.MethodGet:
		views, err := s.registry.Rows(r.Context(), tableID, user)
		if err != nil {
			writeError(w, err)
			return
		}
		if views == nil {
			views = []schema.RowView{}
		}
		writeJSON(w, http.StatusOK, rowsResponse{Rows: views})
	case http.MethodPost:
		var req addRowsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Rows) == 0 {
			writeBadRequest(w, "rows required")
			return
		}
		rows, err := s.registry.AddRows(r.Context(), tableID, user, req.Rows)
		if err != nil {
			writeError(w, err)
			return
		}
		views, err := s.render(r, tableID, user, rows...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rowsResponse{Rows: views})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) rename(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.Renames
	if !decodeBody(w, r, &req) {
		return
	}
	sch, err := s.registry.Rename(r.Context(), tableID, user, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Service) grants(w http.ResponseWriter, r *http.Request, tableID int64, user string) {
	var req grantRequest
	switch r.Method {
	case http.MethodPost:
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.registry.GrantSites(r.Context(), tableID, user, req.User, req.Sites); err != nil {
			writeError(w, err)
			return
		}
	case http.MethodDelete:
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.registry.RevokeSites(r.Context(), tableID, user, req.User, req.Sites); err != nil {
			writeError(w, err)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// render loads the schema once and renders rows with it.
func (s *Service) render(r *http.Request, tableID int64, user string, rows ...core.Row) ([]schema.RowView, error) {
	sch, err := s.registry.Schema(r.Context(), tableID, user)
	if err != nil {
		return nil, err
	}
	out := make([]schema.RowView, 0, len(rows))
	for _, row := range rows {
		v, err := schema.Render(sch, row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
