package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

const maxSummaryLength = 4000

type BookingHandler struct {
	manager *booking.Manager
	users   *store.UserStore
	logger  *slog.Logger
}

func NewBookingHandler(manager *booking.Manager, users *store.UserStore, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{manager: manager, users: users, logger: logger}
}

// fail writes err, logging it when it is not a known domain error.
func (h *BookingHandler) fail(w http.ResponseWriter, op string, err error, args ...any) {
	if !writeDomainError(w, err) {
		h.logger.Error(op, append(args, "error", err)...)
	}
}

// Create handles POST /api/bookings. Admins may book on behalf of another
// user via user_id.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduleID  int64     `json:"schedule_id"`
		StartTime   time.Time `json:"start_time"`
		BuddyName   *string   `json:"buddy_name"`
		BuddyUserID *int64    `json:"buddy_user_id"`
		UserID      *int64    `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.ScheduleID == 0 || req.StartTime.IsZero() {
		badRequest(w, "schedule_id and start_time are required")
		return
	}

	userID := auth.UserID(r.Context())
	if req.UserID != nil && *req.UserID != userID {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden", "only admins may book for another user")
			return
		}
		if !h.userExists(w, *req.UserID) {
			return
		}
		userID = *req.UserID
	}
	if req.BuddyName != nil {
		name := strings.TrimSpace(*req.BuddyName)
		req.BuddyName = &name
		if name == "" {
			req.BuddyName = nil
		}
	}
	if req.BuddyUserID != nil && !h.userExists(w, *req.BuddyUserID) {
		return
	}

	b, err := h.manager.CreateBooking(r.Context(), booking.CreateRequest{
		UserID:      userID,
		ScheduleID:  req.ScheduleID,
		Start:       req.StartTime,
		BuddyName:   req.BuddyName,
		BuddyUserID: req.BuddyUserID,
	})
	if err != nil {
		h.fail(w, "create booking", err, "schedule_id", req.ScheduleID, "user_id", userID)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *BookingHandler) userExists(w http.ResponseWriter, id int64) bool {
	u, err := h.users.GetByID(id)
	if err != nil {
		h.fail(w, "get user", err, "user_id", id)
		return false
	}
	if u == nil {
		writeDomainError(w, booking.ErrUserNotFound)
		return false
	}
	return true
}

// Cancel handles DELETE /api/bookings/{id}.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if err := h.manager.CancelBooking(r.Context(), id, actor(r)); err != nil {
		h.fail(w, "cancel booking", err, "booking_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckIn handles POST /api/bookings/{id}/check-in.
func (h *BookingHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	b, err := h.manager.CheckIn(r.Context(), id, actor(r))
	if err != nil {
		h.fail(w, "check in", err, "booking_id", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// KioskCheckIn handles POST /api/kiosk/check-in. The shared kiosk has no
// session; the booking owner proves presence with their PIN.
func (h *BookingHandler) KioskCheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID int64  `json:"booking_id"`
		PIN       string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.BookingID == 0 || req.PIN == "" {
		badRequest(w, "booking_id and pin are required")
		return
	}

	// The owner is only revealed once the PIN matches.
	v, err := h.manager.Get(r.Context(), req.BookingID, booking.Actor{Admin: true})
	if errors.Is(err, booking.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid_pin", "incorrect booking or PIN")
		return
	}
	if err != nil {
		h.fail(w, "kiosk lookup", err, "booking_id", req.BookingID)
		return
	}
	hash, err := h.users.PINHash(v.UserID)
	if err != nil {
		h.fail(w, "kiosk pin", err, "booking_id", req.BookingID)
		return
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.PIN)) != nil {
		h.logger.Warn("kiosk pin rejected", "booking_id", req.BookingID)
		writeError(w, http.StatusUnauthorized, "invalid_pin", "incorrect booking or PIN")
		return
	}

	b, err := h.manager.CheckIn(r.Context(), req.BookingID, booking.Actor{UserID: v.UserID})
	if err != nil {
		h.fail(w, "kiosk check in", err, "booking_id", req.BookingID)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Reassign handles POST /api/bookings/{id}/reassign (admin).
func (h *BookingHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.UserID == 0 {
		badRequest(w, "user_id is required")
		return
	}

	b, err := h.manager.Reassign(r.Context(), id, req.UserID, actor(r))
	if err != nil {
		h.fail(w, "reassign booking", err, "booking_id", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type reportResponse struct {
	Report        *model.Report       `json:"report"`
	PointsAwarded int                 `json:"points_awarded"`
	Entries       []model.PointsEntry `json:"entries"`
	State         model.UserGameState `json:"state"`
	Unlocked      []model.Achievement `json:"unlocked"`
}

// Report handles POST /api/bookings/{id}/report, which completes the booking.
func (h *BookingHandler) Report(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		Severity model.Severity `json:"severity"`
		Summary  string         `json:"summary"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	req.Summary = strings.TrimSpace(req.Summary)
	if len(req.Summary) > maxSummaryLength {
		badRequest(w, "summary is too long")
		return
	}

	c, err := h.manager.FileReport(r.Context(), id, actor(r), req.Severity, req.Summary)
	if err != nil {
		h.fail(w, "file report", err, "booking_id", id)
		return
	}

	resp := reportResponse{
		Report:   c.Report,
		Entries:  c.Outcome.Entries,
		State:    c.Outcome.State,
		Unlocked: c.Outcome.Unlocked,
	}
	for _, e := range c.Outcome.Entries {
		resp.PointsAwarded += e.Weighted()
	}
	if resp.Entries == nil {
		resp.Entries = []model.PointsEntry{}
	}
	if resp.Unlocked == nil {
		resp.Unlocked = []model.Achievement{}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Mine handles GET /api/bookings/mine.
func (h *BookingHandler) Mine(w http.ResponseWriter, r *http.Request) {
	views, err := h.manager.ListMine(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "list bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// Get handles GET /api/bookings/{id}.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	v, err := h.manager.Get(r.Context(), id, actor(r))
	if err != nil {
		h.fail(w, "get booking", err, "booking_id", id)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
