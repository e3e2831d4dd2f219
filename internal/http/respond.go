package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/randomizer/internal/auth"
	"github.com/mistakeknot/randomizer/internal/core"
)

// errorResponse is the body of every non-2xx API answer.
type errorResponse struct {
	Error   core.ErrorKind `json:"error"`
	Message string         `json:"message"`
}

// StatusForKind maps an error kind to its HTTP status.
func StatusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound, core.KindNoReservation:
		return http.StatusNotFound
	case core.KindNoAccess, core.KindNoSiteScope, core.KindNotOwner, core.KindNotMyReservation:
		return http.StatusForbidden
	case core.KindFieldMismatch, core.KindRange, core.KindSiteInvalid, core.KindSiteMissing,
		core.KindInvalidArm, core.KindInvalidText:
		return http.StatusBadRequest
	case core.KindAlreadyReserved, core.KindNoRowsAvailable, core.KindReservationMismatch,
		core.KindInvalidTransition, core.KindDuplicateName, core.KindSitePopulated:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	msg := err.Error()
	if kind == core.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, StatusForKind(kind), errorResponse{Error: kind, Message: msg})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20)).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// requireUser returns the authenticated user, answering 401 when there is
// none.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	info, _ := auth.FromContext(r.Context())
	if strings.TrimSpace(info.User) == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "user required"})
		return "", false
	}
	return info.User, true
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id " + strconv.Quote(s))
	}
	return id, nil
}
