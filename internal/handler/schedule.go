package handler

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/availability"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/store"
	"github.com/dukerupert/nightwatch/internal/websocket"
)

// Default query windows when the caller gives no "to".
const (
	calendarWindow  = 7 * 24 * time.Hour
	availableWindow = 14 * 24 * time.Hour
)

type ScheduleHandler struct {
	schedules *store.ScheduleStore
	avail     *availability.Service
	bookings  *booking.Manager
	db        *sql.DB
	hub       *websocket.Hub
	logger    *slog.Logger
	now       func() time.Time
}

func NewScheduleHandler(db *sql.DB, avail *availability.Service, bookings *booking.Manager, hub *websocket.Hub, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: store.NewScheduleStore(db),
		avail:     avail,
		bookings:  bookings,
		db:        db,
		hub:       hub,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (h *ScheduleHandler) SetClock(now func() time.Time) {
	h.now = now
}

type scheduleRequest struct {
	Name            string  `json:"name"`
	CronExpr        string  `json:"cron_expr"`
	StartDate       *string `json:"start_date"`
	EndDate         *string `json:"end_date"`
	DurationMinutes int     `json:"duration_minutes"`
	Timezone        string  `json:"timezone"`
}

// schedule validates the request into a Schedule.
func (req scheduleRequest) schedule() (model.Schedule, error) {
	sch := model.Schedule{
		Name:            strings.TrimSpace(req.Name),
		CronExpr:        strings.TrimSpace(req.CronExpr),
		DurationMinutes: req.DurationMinutes,
		Timezone:        strings.TrimSpace(req.Timezone),
	}
	if sch.Name == "" {
		return sch, errorf(recurrence.ErrInvalidSchedule, "name is required")
	}
	var err error
	if sch.StartDate, err = parseDate(req.StartDate, "start_date"); err != nil {
		return sch, err
	}
	if sch.EndDate, err = parseDate(req.EndDate, "end_date"); err != nil {
		return sch, err
	}
	return sch, recurrence.Validate(sch)
}

func parseDate(raw *string, field string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	d, err := time.Parse(model.DateLayout, *raw)
	if err != nil {
		return nil, errorf(recurrence.ErrInvalidSchedule, field+" must be YYYY-MM-DD")
	}
	return &d, nil
}

// List handles GET /api/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.List()
	if err != nil {
		h.logger.Error("list schedules", "error", err)
		writeDomainError(w, err)
		return
	}
	if schedules == nil {
		schedules = []model.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// Get handles GET /api/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	sch, err := h.schedules.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sch == nil {
		writeError(w, http.StatusNotFound, "schedule_not_found", "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// Create handles POST /api/schedules (admin).
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	sch, err := req.schedule()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var created *model.Schedule
	err = store.WithTx(r.Context(), h.db, func(tx *sql.Tx) error {
		var err error
		if created, err = store.NewScheduleStore(tx).Create(sch); err != nil {
			return err
		}
		return h.audit(tx, r, "schedule.created", created)
	})
	if err != nil {
		h.logger.Error("create schedule", "error", err)
		writeDomainError(w, err)
		return
	}
	h.broadcast("created", created.ID)
	writeJSON(w, http.StatusCreated, created)
}

// Update handles PUT /api/schedules/{id} (admin). Existing bookings are kept
// even if the new definition no longer produces their slot.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	existing, err := h.schedules.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "schedule_not_found", "schedule not found")
		return
	}

	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	sch, err := req.schedule()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sch.ID = id

	var updated *model.Schedule
	err = store.WithTx(r.Context(), h.db, func(tx *sql.Tx) error {
		var err error
		if updated, err = store.NewScheduleStore(tx).Update(sch); err != nil {
			return err
		}
		if updated == nil {
			return booking.ErrScheduleNotFound
		}
		return h.audit(tx, r, "schedule.updated", updated)
	})
	if err != nil {
		if !writeDomainError(w, err) {
			h.logger.Error("update schedule", "schedule_id", id, "error", err)
		}
		return
	}
	h.broadcast("updated", updated.ID)
	writeJSON(w, http.StatusOK, updated)
}

// Delete handles DELETE /api/schedules/{id} (admin). Every booking on the
// schedule is cancelled with it.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if _, err := h.bookings.DeleteSchedule(r.Context(), id, actor(r)); err != nil {
		if !writeDomainError(w, err) {
			h.logger.Error("delete schedule", "schedule_id", id, "error", err)
		}
		return
	}
	h.broadcast("deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// Slots handles GET /api/schedules/{id}/slots?from&to: every slot in the
// window with its booking state.
func (h *ScheduleHandler) Slots(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	from, to, err := queryWindow(r, h.now(), calendarWindow)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	slots, err := h.avail.Calendar(r.Context(), id, from, to)
	if err != nil {
		if !writeDomainError(w, err) {
			h.logger.Error("schedule calendar", "schedule_id", id, "error", err)
		}
		return
	}
	if slots == nil {
		sch, err := h.schedules.GetByID(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if sch == nil {
			writeError(w, http.StatusNotFound, "schedule_not_found", "schedule not found")
			return
		}
		slots = []availability.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// Available handles GET /api/shifts/available?from&to: open future slots of
// every schedule.
func (h *ScheduleHandler) Available(w http.ResponseWriter, r *http.Request) {
	from, to, err := queryWindow(r, h.now(), availableWindow)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	slots, err := h.avail.ListAvailable(r.Context(), from, to)
	if err != nil {
		if !writeDomainError(w, err) {
			h.logger.Error("list available", "error", err)
		}
		return
	}
	if slots == nil {
		slots = []availability.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// audit enqueues the audit entry for a schedule change in tx.
func (h *ScheduleHandler) audit(tx *sql.Tx, r *http.Request, action string, sch *model.Schedule) error {
	msg, err := outbox.Audit(auth.UserID(r.Context()), action, "schedule", sch.ID, map[string]any{
		"name": sch.Name, "cron_expr": sch.CronExpr, "timezone": sch.Timezone,
	}, h.now())
	if err != nil {
		return err
	}
	return outbox.Enqueue(tx, msg)
}

func (h *ScheduleHandler) broadcast(verb string, id int64) {
	h.hub.Broadcast(websocket.NewMessage("schedule", verb, id, nil))
}
