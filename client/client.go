// Package client is a Go client for the randomizer HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	User    string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithUser sets the X-User header. The server honours it only for localhost
// callers without an API key.
func WithUser(user string) Option {
	return func(c *Client) {
		c.User = strings.TrimSpace(user)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

// WithUnixSocket routes every request over the server's unix socket. The
// host part of BaseURL is ignored.
func WithUnixSocket(path string) Option {
	return func(c *Client) {
		var d net.Dialer
		c.HTTP = &http.Client{
			Timeout: c.HTTP.Timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return d.DialContext(ctx, "unix", path)
				},
			},
		}
	}
}

type Table struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Arm1      string    `json:"arm_1,omitempty"`
	Arm2      string    `json:"arm_2,omitempty"`
	Hidden    bool      `json:"hidden"`
	CreatedAt time.Time `json:"created_at"`
}

type Column struct {
	ID      int64    `json:"id"`
	TableID int64    `json:"table_id"`
	Name    string   `json:"name"`
	Index   int      `json:"index"`
	Options int      `json:"options"`
	Labels  []string `json:"labels,omitempty"`
	Site    bool     `json:"site,omitempty"`
}

type Schema struct {
	Table   Table    `json:"table"`
	Columns []Column `json:"columns"`
	Site    *Column  `json:"site,omitempty"`
}

// Row is a row as rendered by the server: labels instead of option indexes.
type Row struct {
	ID          int64      `json:"id"`
	Values      []string   `json:"values"`
	Site        string     `json:"site,omitempty"`
	Arm         string     `json:"arm"`
	PatientID   *int64     `json:"patient_id,omitempty"`
	ReservedBy  string     `json:"reserved_by,omitempty"`
	Locked      bool       `json:"locked"`
	Processed   bool       `json:"processed"`
	LastChanged *time.Time `json:"last_changed,omitempty"`
}

// NewRow is one row to preload. Fields map column names to option indexes.
type NewRow struct {
	Fields map[string]int `json:"fields"`
	Site   *int           `json:"site,omitempty"`
	Arm    int            `json:"arm"`
}

type ColumnRename struct {
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

type Renames struct {
	Arm1    string         `json:"arm_1"`
	Arm2    string         `json:"arm_2"`
	Columns []ColumnRename `json:"columns"`
	Site    *ColumnRename  `json:"site,omitempty"`
}

// ReserveRequest selects a stratum and, for multi-site scopes, a site.
type ReserveRequest struct {
	Fields map[string]int `json:"fields"`
	Site   *int           `json:"site,omitempty"`
}

// Error kinds reported by the server.
const (
	KindNotFound            = "not_found"
	KindFieldMismatch       = "field_mismatch"
	KindRange               = "range"
	KindNoAccess            = "no_access"
	KindNoSiteScope         = "no_site_scope"
	KindAlreadyReserved     = "already_reserved"
	KindSiteInvalid         = "site_invalid"
	KindSitePopulated       = "site_populated"
	KindSiteMissing         = "site_missing"
	KindNoRowsAvailable     = "no_rows_available"
	KindNoReservation       = "no_reservation"
	KindReservationMismatch = "reservation_mismatch"
	KindNotMyReservation    = "not_my_reservation"
	KindNotOwner            = "not_owner"
	KindInvalidTransition   = "invalid_transition"
	KindInvalidArm          = "invalid_arm"
	KindDuplicateName       = "duplicate_name"
	KindInvalidText         = "invalid_text"
	KindUnauthorized        = "unauthorized"
	KindBadRequest          = "bad_request"
	KindInternal            = "internal"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the server error kind carried by err, or "" if err is not
// an *APIError.
func KindOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateTable(ctx context.Context, name string) (Table, error) {
	var out Table
	err := c.do(ctx, http.MethodPost, "/api/tables", map[string]string{"name": name}, http.StatusCreated, &out)
	return out, err
}

// Tables lists the tables visible to the caller.
func (c *Client) Tables(ctx context.Context) ([]Table, error) {
	var out struct {
		Tables []Table `json:"tables"`
	}
	err := c.do(ctx, http.MethodGet, "/api/tables", nil, http.StatusOK, &out)
	return out.Tables, err
}

func (c *Client) Schema(ctx context.Context, tableID int64) (Schema, error) {
	var out Schema
	err := c.do(ctx, http.MethodGet, tablePath(tableID), nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) AddColumn(ctx context.Context, tableID int64, name string, labels []string) (Column, error) {
	var out Column
	body := map[string]any{"name": name, "labels": labels}
	err := c.do(ctx, http.MethodPost, tablePath(tableID, "columns"), body, http.StatusCreated, &out)
	return out, err
}

func (c *Client) AddSiteColumn(ctx context.Context, tableID int64, name string, labels []string) (Column, error) {
	var out Column
	body := map[string]any{"name": name, "labels": labels}
	err := c.do(ctx, http.MethodPost, tablePath(tableID, "site-column"), body, http.StatusCreated, &out)
	return out, err
}

// ExtendSiteColumn appends site labels. Existing sites keep their indexes.
// The server takes the full label list, so the current labels are fetched
// first and sent ahead of the new ones.
func (c *Client) ExtendSiteColumn(ctx context.Context, tableID int64, labels []string) (Column, error) {
	var out Column
	sch, err := c.Schema(ctx, tableID)
	if err != nil {
		return out, err
	}
	full := labels
	if sch.Site != nil {
		full = append(append([]string{}, sch.Site.Labels...), labels...)
	}
	body := map[string]any{"labels": full}
	err = c.do(ctx, http.MethodPut, tablePath(tableID, "site-column"), body, http.StatusOK, &out)
	return out, err
}

func (c *Client) AddRows(ctx context.Context, tableID int64, rows []NewRow) ([]Row, error) {
	var out struct {
		Rows []Row `json:"rows"`
	}
	err := c.do(ctx, http.MethodPost, tablePath(tableID, "rows"), map[string]any{"rows": rows}, http.StatusCreated, &out)
	return out.Rows, err
}

// Rows lists the rows the caller may see: all rows for owners, the caller's
// own completed reservations for everyone else.
func (c *Client) Rows(ctx context.Context, tableID int64) ([]Row, error) {
	var out struct {
		Rows []Row `json:"rows"`
	}
	err := c.do(ctx, http.MethodGet, tablePath(tableID, "rows"), nil, http.StatusOK, &out)
	return out.Rows, err
}

func (c *Client) Rename(ctx context.Context, tableID int64, r Renames) (Schema, error) {
	var out Schema
	err := c.do(ctx, http.MethodPut, tablePath(tableID, "names"), r, http.StatusOK, &out)
	return out, err
}

func (c *Client) SetHidden(ctx context.Context, tableID int64, hidden bool) (Table, error) {
	var out Table
	err := c.do(ctx, http.MethodPatch, tablePath(tableID), map[string]bool{"hidden": hidden}, http.StatusOK, &out)
	return out, err
}

// DeleteTable removes a table and everything in it. Only owners may delete.
func (c *Client) DeleteTable(ctx context.Context, tableID int64) error {
	return c.do(ctx, http.MethodDelete, tablePath(tableID), nil, http.StatusNoContent, nil)
}

// Grant gives user access to sites of a table. A nil or empty sites slice
// grants the no-site scope.
func (c *Client) Grant(ctx context.Context, tableID int64, user string, sites ...int) error {
	body := map[string]any{"user": user, "sites": sites}
	return c.do(ctx, http.MethodPost, tablePath(tableID, "grants"), body, http.StatusNoContent, nil)
}

func (c *Client) Revoke(ctx context.Context, tableID int64, user string, sites ...int) error {
	body := map[string]any{"user": user, "sites": sites}
	return c.do(ctx, http.MethodDelete, tablePath(tableID, "grants"), body, http.StatusNoContent, nil)
}

func (c *Client) Reserve(ctx context.Context, tableID int64, req ReserveRequest) (Row, error) {
	var out Row
	err := c.do(ctx, http.MethodPost, tablePath(tableID, "reservations"), req, http.StatusCreated, &out)
	return out, err
}

// Mine returns the caller's open reservation.
func (c *Client) Mine(ctx context.Context, tableID int64) (Row, error) {
	var out Row
	err := c.do(ctx, http.MethodGet, tablePath(tableID, "reservations", "mine"), nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, tableID, rowID int64) (Row, error) {
	return c.rowAction(ctx, tablePath(tableID, "reservations", itoa(rowID), "complete"))
}

func (c *Client) Cancel(ctx context.Context, tableID, rowID int64) (Row, error) {
	return c.rowAction(ctx, tablePath(tableID, "reservations", itoa(rowID), "cancel"))
}

func (c *Client) OverrideComplete(ctx context.Context, tableID, rowID int64) (Row, error) {
	return c.rowAction(ctx, tablePath(tableID, "rows", itoa(rowID), "override", "complete"))
}

func (c *Client) OverrideCancel(ctx context.Context, tableID, rowID int64) (Row, error) {
	return c.rowAction(ctx, tablePath(tableID, "rows", itoa(rowID), "override", "cancel"))
}

func (c *Client) rowAction(ctx context.Context, path string) (Row, error) {
	var out Row
	err := c.do(ctx, http.MethodPost, path, struct{}{}, http.StatusOK, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload any, want int, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil {
		apiErr.Kind, apiErr.Message = body.Error, body.Message
	}
	if apiErr.Kind == "" {
		apiErr.Kind = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.User != "" {
		req.Header.Set("X-User", c.User)
	}
}

func tablePath(id int64, parts ...string) string {
	p := "/api/tables/" + itoa(id)
	if len(parts) > 0 {
		p += "/" + strings.Join(parts, "/")
	}
	return p
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
