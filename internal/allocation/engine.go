// Package allocation reserves, completes and cancels rows of a
// randomization table.
//
// Every operation runs in one storage transaction. Rows that will be
// mutated are read only through Tx.LockAndFindFirst, and new reservations
// are serialized per user and per site before the candidate row is chosen,
// so two callers can never claim the same row or mint the same participant
// id. The engine does not retry and does not log; callers decide what to do
// with the errors in internal/core.
package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/mistakeknot/randomizer/internal/access"
	"github.com/mistakeknot/randomizer/internal/codec"
	"github.com/mistakeknot/randomizer/internal/core"
	"github.com/mistakeknot/randomizer/internal/storage"
)

// Op names an engine operation.
type Op string

const (
	OpReserve          Op = "reserve"
	OpComplete         Op = "complete"
	OpCancel           Op = "cancel"
	OpOverrideComplete Op = "override_complete"
	OpOverrideCancel   Op = "override_cancel"
)

// Event describes the outcome of one mutating operation. It is delivered
// after the transaction has committed or rolled back.
type Event struct {
	Op       Op
	TableID  int64
	User     string
	Row      core.Row
	Err      error
	Duration time.Duration
}

// Observer receives engine events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Request carries the caller's stratification choices. Site may also be
// supplied in Fields under the site column's name.
type Request struct {
	Fields map[string]int
	Site   *int
}

type Engine struct {
	store     storage.Store
	now       func() time.Time
	observers []Observer
}

type Option func(*Engine)

// WithClock overrides the time source used for reservation timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithObserver registers an observer for operation outcomes.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reserve claims the first available row matching the request's stratum and
// the user's site, and assigns it the next participant id for that site.
func (e *Engine) Reserve(ctx context.Context, tableID int64, user string, req Request) (core.Row, error) {
	start := time.Now()
	var out core.Row
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		scope, err := access.Resolve(ctx, tx, tableID, user)
		if err != nil {
			return err
		}
		schema, err := tx.Schema(ctx, tableID)
		if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}
		held := storage.RowFilter{
			Sites:      scope.Filter(),
			State:      core.StateReserved,
			ReservedBy: user,
		}
		site, key, err := resolveRequest(schema, scope, req)
		if err != nil {
			// A held reservation still wins over a malformed request.
			if row, ferr := tx.FindFirst(ctx, tableID, held); ferr == nil && row != nil {
				return core.ErrAlreadyReserved
			}
			return err
		}

		if err := tx.LockUser(ctx, tableID, user); err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		mine, err := tx.FindFirst(ctx, tableID, held)
		if err != nil {
			return fmt.Errorf("find reservation: %w", err)
		}
		if mine != nil {
			return core.ErrAlreadyReserved
		}

		if err := tx.LockSite(ctx, tableID, site); err != nil {
			return fmt.Errorf("lock site: %w", err)
		}
		row, err := tx.LockAndFindFirst(ctx, tableID, storage.RowFilter{
			Key:   &key,
			Sites: storage.SiteEquals(site),
			State: core.StateAvailable,
		})
		if err != nil {
			return fmt.Errorf("select row: %w", err)
		}
		if row == nil {
			return core.ErrNoRowsAvailable
		}
		pid, err := NextPatientID(ctx, tx, tableID, row.SiteID)
		if err != nil {
			return err
		}
		update, err := row.Reserve(user, pid, e.now())
		if err != nil {
			return err
		}
		if err := tx.ApplyRowUpdate(ctx, update); err != nil {
			return fmt.Errorf("apply reservation: %w", err)
		}
		out = update.Row()
		return nil
	})
	e.emit(OpReserve, tableID, user, out, err, start)
	if err != nil {
		return core.Row{}, err
	}
	return out, nil
}

// resolveRequest validates req against the schema and the user's scope and
// returns the site and stratum key to allocate from.
func resolveRequest(schema core.Schema, scope access.Scope, req Request) (*int, int64, error) {
	fields, supplied, err := splitSite(schema, req)
	if err != nil {
		return nil, 0, err
	}
	site, err := scope.ResolveSite(schema.HasSite(), supplied)
	if err != nil {
		return nil, 0, err
	}
	if site != nil && (*site < 0 || *site >= schema.Site.Options) {
		return nil, 0, &core.RangeError{Field: schema.Site.Name, Value: *site, Options: schema.Site.Options}
	}
	values, err := codec.Validate(fields, schema.Columns)
	if err != nil {
		return nil, 0, err
	}
	return site, values.Key(), nil
}

// Complete finalizes the user's reservation of rowID.
func (e *Engine) Complete(ctx context.Context, tableID int64, user string, rowID int64) (core.Row, error) {
	return e.finishMine(ctx, OpComplete, tableID, user, rowID, func(r core.Row) (core.RowUpdate, error) {
		return r.Complete(e.now())
	})
}

// Cancel releases the user's reservation of rowID; the row becomes available
// again and its participant id is cleared.
func (e *Engine) Cancel(ctx context.Context, tableID int64, user string, rowID int64) (core.Row, error) {
	return e.finishMine(ctx, OpCancel, tableID, user, rowID, func(r core.Row) (core.RowUpdate, error) {
		return r.Cancel()
	})
}

// OverrideComplete lets the table owner complete any reserved row.
func (e *Engine) OverrideComplete(ctx context.Context, tableID int64, user string, rowID int64) (core.Row, error) {
	return e.finishAny(ctx, OpOverrideComplete, tableID, user, rowID, func(r core.Row) (core.RowUpdate, error) {
		return r.Complete(e.now())
	})
}

// OverrideCancel lets the table owner cancel any reserved row.
func (e *Engine) OverrideCancel(ctx context.Context, tableID int64, user string, rowID int64) (core.Row, error) {
	return e.finishAny(ctx, OpOverrideCancel, tableID, user, rowID, func(r core.Row) (core.RowUpdate, error) {
		return r.Cancel()
	})
}

// MyReservedRow returns the row the user currently holds, or
// core.ErrNoReservation.
func (e *Engine) MyReservedRow(ctx context.Context, tableID int64, user string) (core.Row, error) {
	var out core.Row
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		_, row, err := findMine(ctx, tx, tableID, user, false)
		if err != nil {
			return err
		}
		if row == nil {
			return core.ErrNoReservation
		}
		out = *row
		return nil
	})
	if err != nil {
		return core.Row{}, err
	}
	return out, nil
}

// HasReservedRow reports whether the user currently holds a reservation.
func (e *Engine) HasReservedRow(ctx context.Context, tableID int64, user string) (bool, error) {
	var held bool
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		_, row, err := findMine(ctx, tx, tableID, user, false)
		if err != nil {
			return err
		}
		held = row != nil
		return nil
	})
	return held, err
}

type transition func(core.Row) (core.RowUpdate, error)

func (e *Engine) finishMine(ctx context.Context, op Op, tableID int64, user string, rowID int64, next transition) (core.Row, error) {
	start := time.Now()
	var out core.Row
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		scope, mine, err := findMine(ctx, tx, tableID, user, true)
		if err != nil {
			return err
		}
		if mine == nil {
			other, err := tx.FindFirst(ctx, tableID, storage.RowFilter{
				ID:    rowID,
				Sites: scope.Filter(),
				State: core.StateReserved,
			})
			if err != nil {
				return fmt.Errorf("find row: %w", err)
			}
			if other != nil {
				return core.ErrNotMyReservation
			}
			return core.ErrNoReservation
		}
		if mine.ID != rowID {
			return core.ErrReservationMismatch
		}
		update, err := next(*mine)
		if err != nil {
			return err
		}
		if err := tx.ApplyRowUpdate(ctx, update); err != nil {
			return fmt.Errorf("apply %s: %w", op, err)
		}
		out = update.Row()
		return nil
	})
	e.emit(op, tableID, user, out, err, start)
	if err != nil {
		return core.Row{}, err
	}
	return out, nil
}

func (e *Engine) finishAny(ctx context.Context, op Op, tableID int64, user string, rowID int64, next transition) (core.Row, error) {
	start := time.Now()
	var out core.Row
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		scope, err := access.Resolve(ctx, tx, tableID, user)
		if err != nil {
			return err
		}
		if !scope.Owner {
			return core.ErrNotOwner
		}
		row, err := tx.LockAndFindFirst(ctx, tableID, storage.RowFilter{ID: rowID, State: core.StateReserved})
		if err != nil {
			return fmt.Errorf("select row: %w", err)
		}
		if row == nil {
			return core.ErrNoReservation
		}
		update, err := next(*row)
		if err != nil {
			return err
		}
		if err := tx.ApplyRowUpdate(ctx, update); err != nil {
			return fmt.Errorf("apply %s: %w", op, err)
		}
		out = update.Row()
		return nil
	})
	e.emit(op, tableID, user, out, err, start)
	if err != nil {
		return core.Row{}, err
	}
	return out, nil
}

// findMine returns the user's reserved row within their site scope.
func findMine(ctx context.Context, tx storage.Tx, tableID int64, user string, lock bool) (access.Scope, *core.Row, error) {
	scope, err := access.Resolve(ctx, tx, tableID, user)
	if err != nil {
		return access.Scope{}, nil, err
	}
	f := storage.RowFilter{Sites: scope.Filter(), State: core.StateReserved, ReservedBy: user}
	var row *core.Row
	if lock {
		row, err = tx.LockAndFindFirst(ctx, tableID, f)
	} else {
		row, err = tx.FindFirst(ctx, tableID, f)
	}
	if err != nil {
		return access.Scope{}, nil, fmt.Errorf("find reservation: %w", err)
	}
	return scope, row, nil
}

// splitSite separates a site supplied inside Fields from the stratification
// fields. The caller's map is not modified.
func splitSite(schema core.Schema, req Request) (map[string]int, *int, error) {
	if !schema.HasSite() {
		return req.Fields, req.Site, nil
	}
	v, ok := req.Fields[schema.Site.Name]
	if !ok {
		return req.Fields, req.Site, nil
	}
	if req.Site != nil && *req.Site != v {
		return nil, nil, core.ErrSiteInvalid
	}
	fields := make(map[string]int, len(req.Fields)-1)
	for k, val := range req.Fields {
		if k != schema.Site.Name {
			fields[k] = val
		}
	}
	return fields, &v, nil
}

func (e *Engine) emit(op Op, tableID int64, user string, row core.Row, err error, start time.Time) {
	if len(e.observers) == 0 {
		return
	}
	ev := Event{Op: op, TableID: tableID, User: user, Row: row, Err: err, Duration: time.Since(start)}
	for _, o := range e.observers {
		o.Observe(ev)
	}
}
