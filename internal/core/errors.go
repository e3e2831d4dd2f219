package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every failure the allocation engine raises is one of these
// or one of the typed errors below, possibly wrapped or joined.
var (
	ErrNotFound            = errors.New("not found")
	ErrNoAccess            = errors.New("no access to table")
	ErrNoSiteScope         = errors.New("no active site access for table")
	ErrAlreadyReserved     = errors.New("a reservation already exists")
	ErrSiteInvalid         = errors.New("site is outside the granted scope")
	ErrSitePopulated       = errors.New("site must not be supplied for a single-site scope")
	ErrSiteMissing         = errors.New("site must be supplied")
	ErrNoRowsAvailable     = errors.New("no rows available")
	ErrNoReservation       = errors.New("no reservation found")
	ErrReservationMismatch = errors.New("row does not match the current reservation")
	ErrNotMyReservation    = errors.New("reservation belongs to another user")
	ErrNotOwner            = errors.New("only the table owner may do this")
	ErrInvalidTransition   = errors.New("invalid row state transition")
	ErrInvalidArm          = errors.New("randomization arm must be 1 or 2")
)

// FieldMismatchError is returned when the supplied stratification fields do
// not exactly match the table's columns.
type FieldMismatchError struct {
	Missing []string
	Extra   []string
}

func (e *FieldMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Extra, ", "))
	}
	return "field mismatch: " + strings.Join(parts, "; ")
}

// RangeError is returned when a field value is outside its column's options.
type RangeError struct {
	Field   string
	Value   int
	Options int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("value %d out of range for %q (%d options)", e.Value, e.Field, e.Options)
}

// DuplicateNameError is returned when a table, column or label name collides.
type DuplicateNameError struct {
	Kind string
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate %s name %q", e.Kind, e.Name)
}

// InvalidTextError is returned for blank or unsafe user supplied text.
type InvalidTextError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidTextError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ErrorKind is the closed set of error categories exposed to callers.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindNotFound            ErrorKind = "not_found"
	KindFieldMismatch       ErrorKind = "field_mismatch"
	KindRange               ErrorKind = "range"
	KindNoAccess            ErrorKind = "no_access"
	KindNoSiteScope         ErrorKind = "no_site_scope"
	KindAlreadyReserved     ErrorKind = "already_reserved"
	KindSiteInvalid         ErrorKind = "site_invalid"
	KindSitePopulated       ErrorKind = "site_populated"
	KindSiteMissing         ErrorKind = "site_missing"
	KindNoRowsAvailable     ErrorKind = "no_rows_available"
	KindNoReservation       ErrorKind = "no_reservation"
	KindReservationMismatch ErrorKind = "reservation_mismatch"
	KindNotMyReservation    ErrorKind = "not_my_reservation"
	KindNotOwner            ErrorKind = "not_owner"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindInvalidArm          ErrorKind = "invalid_arm"
	KindDuplicateName       ErrorKind = "duplicate_name"
	KindInvalidText         ErrorKind = "invalid_text"
	KindInternal            ErrorKind = "internal"
)

var sentinelKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrNoAccess, KindNoAccess},
	{ErrNoSiteScope, KindNoSiteScope},
	{ErrAlreadyReserved, KindAlreadyReserved},
	{ErrSiteInvalid, KindSiteInvalid},
	{ErrSitePopulated, KindSitePopulated},
	{ErrSiteMissing, KindSiteMissing},
	{ErrNoRowsAvailable, KindNoRowsAvailable},
	{ErrNoReservation, KindNoReservation},
	{ErrReservationMismatch, KindReservationMismatch},
	{ErrNotMyReservation, KindNotMyReservation},
	{ErrNotOwner, KindNotOwner},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrInvalidArm, KindInvalidArm},
	{ErrNotFound, KindNotFound},
}

// KindOf classifies err. Joined errors report the kind of their first
// classifiable member, typed validation errors taking precedence in the
// order field mismatch, range, duplicate name, invalid text.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fm *FieldMismatchError
	if errors.As(err, &fm) {
		return KindFieldMismatch
	}
	var re *RangeError
	if errors.As(err, &re) {
		return KindRange
	}
	var dn *DuplicateNameError
	if errors.As(err, &dn) {
		return KindDuplicateName
	}
	var it *InvalidTextError
	if errors.As(err, &it) {
		return KindInvalidText
	}
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// ErrorForKind returns the sentinel error for kinds that have one. Used by
// clients to turn a wire error back into something errors.Is understands.
func ErrorForKind(kind ErrorKind) error {
	for _, s := range sentinelKinds {
		if s.kind == kind {
			return s.err
		}
	}
	return nil
}
