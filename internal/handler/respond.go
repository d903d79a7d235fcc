package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/leaderboard"
	"github.com/dukerupert/nightwatch/internal/recurrence"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps domain errors to an HTTP status and a stable code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{booking.ErrOutOfRange, http.StatusUnprocessableEntity, "out_of_range"},
	{booking.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
	{booking.ErrTooLateToCancel, http.StatusConflict, "too_late_to_cancel"},
	{booking.ErrOutsideCheckInWindow, http.StatusConflict, "outside_check_in_window"},
	{booking.ErrAlreadyCheckedIn, http.StatusConflict, "already_checked_in"},
	{booking.ErrReportExists, http.StatusConflict, "report_exists"},
	{booking.ErrReportTooEarly, http.StatusConflict, "report_too_early"},
	{booking.ErrForbidden, http.StatusForbidden, "forbidden"},
	{booking.ErrNotFound, http.StatusNotFound, "not_found"},
	{booking.ErrScheduleNotFound, http.StatusNotFound, "schedule_not_found"},
	{booking.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{booking.ErrInvalidSeverity, http.StatusBadRequest, "invalid_severity"},
	{recurrence.ErrInvalidCronExpression, http.StatusBadRequest, "invalid_cron_expression"},
	{recurrence.ErrUnboundedWindow, http.StatusBadRequest, "unbounded_window"},
	{recurrence.ErrInvalidSchedule, http.StatusBadRequest, "invalid_schedule"},
	{leaderboard.ErrUnknownCriterion, http.StatusBadRequest, "invalid_criterion"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeDomainError answers with the status registered for err, or 500.
// It reports whether err was a known domain error.
func writeDomainError(w http.ResponseWriter, err error) bool {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, err.Error())
			return true
		}
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
	return false
}

// errorf annotates a sentinel so errors.Is still matches it.
func errorf(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// queryInt reads a non-negative integer query parameter, def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

// queryWindow reads an RFC 3339 [from, to) window. A missing from is now; a
// missing to is from plus def.
func queryWindow(r *http.Request, now time.Time, def time.Duration) (time.Time, time.Time, error) {
	from, to := now, time.Time{}
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be an RFC 3339 timestamp")
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be an RFC 3339 timestamp")
		}
		to = t
	} else {
		to = from.Add(def)
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func actor(r *http.Request) booking.Actor {
	return booking.Actor{UserID: auth.UserID(r.Context()), Admin: auth.IsAdmin(r.Context())}
}
