package core

import (
	"fmt"
	"time"
)

// RowState is derived from a row's reservation holder and processed flag.
type RowState string

const (
	StateAvailable RowState = "available"
	StateReserved  RowState = "reserved"
	StateCompleted RowState = "completed"
)

// State derives the lifecycle state of the row.
func (r Row) State() RowState {
	switch {
	case r.Processed:
		return StateCompleted
	case r.ReservedBy != "":
		return StateReserved
	default:
		return StateAvailable
	}
}

// RowUpdate is a validated lifecycle transition. It can only be produced by
// the transition methods on Row, and storage persists reservation state only
// from a RowUpdate.
type RowUpdate struct {
	row  Row
	from RowState
	to   RowState
}

// Row returns the row as it is after the transition.
func (u RowUpdate) Row() Row { return u.row }

// From returns the state before the transition.
func (u RowUpdate) From() RowState { return u.from }

// To returns the state after the transition.
func (u RowUpdate) To() RowState { return u.to }

// Reserve transitions Available -> Reserved.
func (r Row) Reserve(user string, patientID int64, now time.Time) (RowUpdate, error) {
	if user == "" {
		return RowUpdate{}, fmt.Errorf("%w: reservation holder required", ErrInvalidTransition)
	}
	if err := r.expect(StateAvailable, StateReserved); err != nil {
		return RowUpdate{}, err
	}
	next := r
	next.ReservedBy = user
	at := now
	next.ReservedAt = &at
	pid := patientID
	next.PatientID = &pid
	return RowUpdate{row: next, from: StateAvailable, to: StateReserved}, nil
}

// Complete transitions Reserved -> Completed. Holder, reservation time and
// patient id are kept for audit.
func (r Row) Complete(now time.Time) (RowUpdate, error) {
	if err := r.expect(StateReserved, StateCompleted); err != nil {
		return RowUpdate{}, err
	}
	next := r
	next.Processed = true
	at := now
	next.ProcessedAt = &at
	return RowUpdate{row: next, from: StateReserved, to: StateCompleted}, nil
}

// Cancel transitions Reserved -> Available and frees the patient id.
func (r Row) Cancel() (RowUpdate, error) {
	if err := r.expect(StateReserved, StateAvailable); err != nil {
		return RowUpdate{}, err
	}
	next := r
	next.ReservedBy = ""
	next.ReservedAt = nil
	next.PatientID = nil
	return RowUpdate{row: next, from: StateReserved, to: StateAvailable}, nil
}

func (r Row) expect(want, to RowState) error {
	if got := r.State(); got != want {
		return fmt.Errorf("%w: row %d is %s, cannot become %s", ErrInvalidTransition, r.ID, got, to)
	}
	return nil
}
