package handler

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/availability"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/database"
	"github.com/dukerupert/nightwatch/internal/gamification"
	"github.com/dukerupert/nightwatch/internal/leaderboard"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/store"
	"github.com/dukerupert/nightwatch/internal/websocket"
)

// Saturday 7 Feb 2026, 22:00 in Johannesburg.
var lateSlot = time.Date(2026, 2, 7, 20, 0, 0, 0, time.UTC)

type testEnv struct {
	db        *sql.DB
	clock     time.Time
	schedule  *model.Schedule
	ann       *model.User
	ben       *model.User
	admin     *model.User
	users     *UserHandler
	schedules *ScheduleHandler
	bookings  *BookingHandler
	game      *GameHandler
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, clock: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	now := func() time.Time { return env.clock }

	users := store.NewUserStore(db)
	if env.ann, err = users.Create("Ann", "ann@example.com", ""); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if env.ben, err = users.Create("Ben", "ben@example.com", ""); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if env.admin, err = users.Create("Root", "root@example.com", model.RoleAdmin); err != nil {
		t.Fatalf("create user: %v", err)
	}
	env.schedule, err = store.NewScheduleStore(db).Create(model.Schedule{
		Name: "Evening patrol", CronExpr: "0 18,22 * * *", DurationMinutes: 120, Timezone: "Africa/Johannesburg",
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	expander := recurrence.NewExpander(0)
	mgr := booking.NewManager(db, expander, gamification.NewEngine(gamification.DefaultRules(), logger), booking.DefaultPolicy(), logger)
	mgr.SetClock(now)
	avail := availability.NewService(db, expander)
	avail.SetClock(now)

	env.users = NewUserHandler(users, logger)
	env.schedules = NewScheduleHandler(db, avail, mgr, websocket.NewHub(logger), logger)
	env.schedules.SetClock(now)
	env.bookings = NewBookingHandler(mgr, users, logger)
	env.game = NewGameHandler(db, logger)
	return env
}

// call invokes h as u. A nil user sends an unauthenticated request; id, when
// non-zero, fills the {id} path value.
func call(t *testing.T, h http.HandlerFunc, method, target string, u *model.User, id int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if id != 0 {
		req.SetPathValue("id", strconv.FormatInt(id, 10))
	}
	if u != nil {
		req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{UserID: u.ID, Role: u.Role}))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
	if body.Error == "" {
		t.Error("expected an error message")
	}
}

func (e *testEnv) book(t *testing.T, u *model.User, start time.Time) model.Booking {
	t.Helper()
	rec := call(t, e.bookings.Create, "POST", "/api/bookings", u, 0, map[string]any{
		"schedule_id": e.schedule.ID, "start_time": start,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[model.Booking](t, rec)
}

func TestCreateBookingConflict(t *testing.T) {
	env := setup(t)

	b := env.book(t, env.ann, lateSlot)
	if b.UserID != env.ann.ID || !b.ShiftEnd.Equal(lateSlot.Add(2*time.Hour)) {
		t.Errorf("booking = %+v, want ann until 22:00Z", b)
	}

	rec := call(t, env.bookings.Create, "POST", "/api/bookings", env.ben, 0, map[string]any{
		"schedule_id": env.schedule.ID, "start_time": lateSlot,
	})
	expectError(t, rec, http.StatusConflict, "slot_conflict")
}

func TestCreateBookingValidation(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name   string
		user   *model.User
		body   map[string]any
		status int
		code   string
	}{
		{"not a slot", env.ann, map[string]any{"schedule_id": env.schedule.ID, "start_time": lateSlot.Add(time.Hour)}, http.StatusUnprocessableEntity, "out_of_range"},
		{"unknown schedule", env.ann, map[string]any{"schedule_id": 999, "start_time": lateSlot}, http.StatusNotFound, "schedule_not_found"},
		{"missing start", env.ann, map[string]any{"schedule_id": env.schedule.ID}, http.StatusBadRequest, "bad_request"},
		{"on behalf of another", env.ann, map[string]any{"schedule_id": env.schedule.ID, "start_time": lateSlot, "user_id": env.ben.ID}, http.StatusForbidden, "forbidden"},
		{"unknown buddy", env.ann, map[string]any{"schedule_id": env.schedule.ID, "start_time": lateSlot, "buddy_user_id": 999}, http.StatusNotFound, "user_not_found"},
		{"unknown field", env.ann, map[string]any{"schedule_id": env.schedule.ID, "start_time": lateSlot, "colour": "red"}, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, env.bookings.Create, "POST", "/api/bookings", tt.user, 0, tt.body)
			expectError(t, rec, tt.status, tt.code)
		})
	}
}

func TestAdminBooksOnBehalf(t *testing.T) {
	env := setup(t)

	rec := call(t, env.bookings.Create, "POST", "/api/bookings", env.admin, 0, map[string]any{
		"schedule_id": env.schedule.ID, "start_time": lateSlot, "user_id": env.ben.ID, "buddy_name": "  Dee ",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	b := decode[model.Booking](t, rec)
	if b.UserID != env.ben.ID {
		t.Errorf("user_id = %d, want %d", b.UserID, env.ben.ID)
	}
	if b.BuddyName == nil || *b.BuddyName != "Dee" {
		t.Errorf("buddy_name = %v, want Dee", b.BuddyName)
	}
}

func TestCancelAndCutoff(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ann, lateSlot)

	rec := call(t, env.bookings.Cancel, "DELETE", "/api/bookings/x", env.ben, b.ID, nil)
	expectError(t, rec, http.StatusForbidden, "forbidden")

	env.clock = lateSlot.Add(-time.Hour)
	rec = call(t, env.bookings.Cancel, "DELETE", "/api/bookings/x", env.ann, b.ID, nil)
	expectError(t, rec, http.StatusConflict, "too_late_to_cancel")

	rec = call(t, env.bookings.Cancel, "DELETE", "/api/bookings/x", env.admin, b.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin cancel status = %d, want 204", rec.Code)
	}
	rec = call(t, env.bookings.Get, "GET", "/api/bookings/x", env.admin, b.ID, nil)
	expectError(t, rec, http.StatusNotFound, "not_found")
}

func TestCheckInWindow(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ann, lateSlot)

	rec := call(t, env.bookings.CheckIn, "POST", "/api/bookings/x/check-in", env.ann, b.ID, nil)
	expectError(t, rec, http.StatusConflict, "outside_check_in_window")

	env.clock = lateSlot.Add(-30 * time.Minute)
	rec = call(t, env.bookings.CheckIn, "POST", "/api/bookings/x/check-in", env.ann, b.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decode[model.Booking](t, rec)
	if got.CheckedInAt == nil || !got.EarlyCheckIn {
		t.Errorf("booking = %+v, want an early check-in", got)
	}
}

func TestKioskCheckIn(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ann, lateSlot)
	env.clock = lateSlot.Add(-5 * time.Minute)

	// No PIN set yet.
	rec := call(t, env.bookings.KioskCheckIn, "POST", "/api/kiosk/check-in", nil, 0, map[string]any{"booking_id": b.ID, "pin": "1234"})
	expectError(t, rec, http.StatusUnauthorized, "invalid_pin")

	hash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := store.NewUserStore(env.db).SetPIN(env.ann.ID, string(hash)); err != nil {
		t.Fatalf("set pin: %v", err)
	}

	rec = call(t, env.bookings.KioskCheckIn, "POST", "/api/kiosk/check-in", nil, 0, map[string]any{"booking_id": b.ID, "pin": "4321"})
	expectError(t, rec, http.StatusUnauthorized, "invalid_pin")

	rec = call(t, env.bookings.KioskCheckIn, "POST", "/api/kiosk/check-in", nil, 0, map[string]any{"booking_id": b.ID + 100, "pin": "1234"})
	expectError(t, rec, http.StatusUnauthorized, "invalid_pin")

	rec = call(t, env.bookings.KioskCheckIn, "POST", "/api/kiosk/check-in", nil, 0, map[string]any{"booking_id": b.ID, "pin": "1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := decode[model.Booking](t, rec); got.CheckedInAt == nil || got.EarlyCheckIn {
		t.Errorf("booking = %+v, want a plain check-in", got)
	}
}

func TestReassign(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ann, lateSlot)

	rec := call(t, env.bookings.Reassign, "POST", "/api/bookings/x/reassign", env.ann, b.ID, map[string]any{"user_id": env.ben.ID})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = call(t, env.bookings.Reassign, "POST", "/api/bookings/x/reassign", env.admin, b.ID, map[string]any{"user_id": 999})
	expectError(t, rec, http.StatusNotFound, "user_not_found")

	rec = call(t, env.bookings.Reassign, "POST", "/api/bookings/x/reassign", env.admin, b.ID, map[string]any{"user_id": env.ben.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := decode[model.Booking](t, rec); got.UserID != env.ben.ID {
		t.Errorf("user_id = %d, want %d", got.UserID, env.ben.ID)
	}
}

func TestReportAwardsPointsAndStats(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ann, lateSlot)

	env.clock = lateSlot.Add(-20 * time.Minute)
	if rec := call(t, env.bookings.CheckIn, "POST", "/api/bookings/x/check-in", env.ann, b.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("check in status = %d", rec.Code)
	}

	rec := call(t, env.bookings.Report, "POST", "/api/bookings/x/report", env.ann, b.ID, map[string]any{"severity": "low"})
	expectError(t, rec, http.StatusConflict, "report_too_early")

	env.clock = lateSlot.Add(2*time.Hour + 10*time.Minute)
	rec = call(t, env.bookings.Report, "POST", "/api/bookings/x/report", env.ann, b.ID, map[string]any{"severity": "critical"})
	expectError(t, rec, http.StatusBadRequest, "invalid_severity")

	rec = call(t, env.bookings.Report, "POST", "/api/bookings/x/report", env.ann, b.ID, map[string]any{"severity": "high", "summary": "Broken gate on 4th"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	resp := decode[reportResponse](t, rec)
	// 10 check-in + 3 early + 15 completion + 10 severity + 5 weekend + 3 late night
	if resp.PointsAwarded != 33 || resp.State.TotalPoints != 46 {
		t.Errorf("awarded %d, total %d, want 33 and 46", resp.PointsAwarded, resp.State.TotalPoints)
	}
	if len(resp.Unlocked) != 1 || resp.Unlocked[0].Code != "first_shift" {
		t.Errorf("unlocked = %+v, want first_shift", resp.Unlocked)
	}

	rec = call(t, env.bookings.Report, "POST", "/api/bookings/x/report", env.ann, b.ID, map[string]any{"severity": "low"})
	expectError(t, rec, http.StatusConflict, "report_exists")

	rec = call(t, env.game.Stats, "GET", "/api/me/stats", env.ann, 0, nil)
	stats := decode[statsResponse](t, rec)
	if stats.TotalPoints != 46 || stats.ShiftCount != 1 || stats.CurrentStreak != 1 {
		t.Errorf("stats = %+v, want 46 points, 1 shift, streak 1", stats.UserGameState)
	}
	if len(stats.Achievements) != 1 {
		t.Errorf("earned achievements = %d, want 1", len(stats.Achievements))
	}

	rec = call(t, env.game.PointsHistory, "GET", "/api/points/history?limit=4", env.ann, 0, nil)
	if history := decode[[]model.PointsEntry](t, rec); len(history) != 4 {
		t.Errorf("history entries = %d, want 4", len(history))
	}
	rec = call(t, env.game.PointsHistory, "GET", "/api/points/history?offset=4", env.ann, 0, nil)
	if history := decode[[]model.PointsEntry](t, rec); len(history) != 2 {
		t.Errorf("history entries after offset = %d, want 2", len(history))
	}

	rec = call(t, env.bookings.Mine, "GET", "/api/bookings/mine", env.ann, 0, nil)
	mine := decode[[]booking.View](t, rec)
	if len(mine) != 1 || mine[0].Status != booking.StatusCompleted || !mine[0].CheckedIn {
		t.Errorf("mine = %+v, want one completed, checked-in booking", mine)
	}
}

func TestEmptyStatsForNewUser(t *testing.T) {
	env := setup(t)

	stats := decode[statsResponse](t, call(t, env.game.Stats, "GET", "/api/me/stats", env.ben, 0, nil))
	if stats.UserID != env.ben.ID || stats.TotalPoints != 0 || stats.Achievements == nil {
		t.Errorf("stats = %+v, want zero state with an empty list", stats)
	}

	all := decode[[]model.AchievementProgress](t, call(t, env.game.Achievements, "GET", "/api/achievements", env.ben, 0, nil))
	if len(all) != 12 {
		t.Errorf("catalogue = %d achievements, want 12", len(all))
	}
	for _, a := range all {
		if a.EarnedAt != nil {
			t.Errorf("%s earned, want none", a.Code)
		}
	}
}

func TestLeaderboard(t *testing.T) {
	env := setup(t)
	gs := store.NewGameStateStore(env.db)
	for _, s := range []model.UserGameState{
		{UserID: env.ann.ID, TotalPoints: 40, ShiftCount: 2},
		{UserID: env.ben.ID, TotalPoints: 60, ShiftCount: 1},
	} {
		s.UpdatedAt = env.clock
		if err := gs.Upsert(s); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	top := decode[[]model.LeaderboardEntry](t, call(t, env.game.Leaderboard, "GET", "/api/leaderboard?limit=2", env.ann, 0, nil))
	if len(top) != 2 || top[0].Name != "Ben" || top[1].Name != "Ann" {
		t.Errorf("top by points = %+v, want Ben then Ann", top)
	}

	top = decode[[]model.LeaderboardEntry](t, call(t, env.game.Leaderboard, "GET", "/api/leaderboard?by=shifts", env.ann, 0, nil))
	if len(top) != 3 || top[0].Name != "Ann" || top[0].Rank != 1 {
		t.Errorf("top by shifts = %+v, want Ann first of 3", top)
	}

	rec := call(t, env.game.Leaderboard, "GET", "/api/leaderboard?by=streak", env.ann, 0, nil)
	expectError(t, rec, http.StatusBadRequest, "invalid_criterion")

	rank := decode[leaderboard.Rank](t, call(t, env.game.Rank, "GET", "/api/leaderboard/rank", env.ann, 0, nil))
	if rank.PointsRank != 2 || rank.ShiftsRank != 1 {
		t.Errorf("rank = %d/%d, want 2/1", rank.PointsRank, rank.ShiftsRank)
	}
}

func TestScheduleCreateValidation(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"bad cron", map[string]any{"name": "x", "cron_expr": "0 25 * * *", "duration_minutes": 60, "timezone": "UTC"}, "invalid_cron_expression"},
		{"descriptor", map[string]any{"name": "x", "cron_expr": "@daily", "duration_minutes": 60, "timezone": "UTC"}, "invalid_cron_expression"},
		{"bad timezone", map[string]any{"name": "x", "cron_expr": "0 18 * * *", "duration_minutes": 60, "timezone": "Mars/Olympus"}, "invalid_schedule"},
		{"zero duration", map[string]any{"name": "x", "cron_expr": "0 18 * * *", "duration_minutes": 0, "timezone": "UTC"}, "invalid_schedule"},
		{"no name", map[string]any{"cron_expr": "0 18 * * *", "duration_minutes": 60, "timezone": "UTC"}, "invalid_schedule"},
		{"bad date", map[string]any{"name": "x", "cron_expr": "0 18 * * *", "duration_minutes": 60, "timezone": "UTC", "start_date": "1/2/2026"}, "invalid_schedule"},
		{"reversed dates", map[string]any{"name": "x", "cron_expr": "0 18 * * *", "duration_minutes": 60, "timezone": "UTC", "start_date": "2026-03-01", "end_date": "2026-02-01"}, "invalid_schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, env.schedules.Create, "POST", "/api/schedules", env.admin, 0, tt.body)
			expectError(t, rec, http.StatusBadRequest, tt.code)
		})
	}

	rec := call(t, env.schedules.Create, "POST", "/api/schedules", env.admin, 0, map[string]any{
		"name": "Weekend mornings", "cron_expr": "0 6 * * 6,0", "duration_minutes": 180,
		"timezone": "Africa/Johannesburg", "start_date": "2026-02-01", "end_date": "2026-04-30",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	sch := decode[model.Schedule](t, rec)
	if sch.StartDate == nil || sch.StartDate.Format(model.DateLayout) != "2026-02-01" {
		t.Errorf("start_date = %v, want 2026-02-01", sch.StartDate)
	}

	audits, err := store.NewOutboxStore(env.db).ListByStatus(model.OutboxPending, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(audits) != 1 || audits[0].MessageType != model.MsgAudit {
		t.Errorf("outbox = %+v, want one audit entry", audits)
	}
}

func TestScheduleUpdateAndDelete(t *testing.T) {
	env := setup(t)
	env.book(t, env.ann, lateSlot)

	rec := call(t, env.schedules.Update, "PUT", "/api/schedules/x", env.admin, env.schedule.ID, map[string]any{
		"name": "Late patrol", "cron_expr": "0 22 * * *", "duration_minutes": 180, "timezone": "Africa/Johannesburg",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if got := decode[model.Schedule](t, rec); got.Name != "Late patrol" || got.DurationMinutes != 180 {
		t.Errorf("schedule = %+v, want the new definition", got)
	}

	rec = call(t, env.schedules.Delete, "DELETE", "/api/schedules/x", env.ann, env.schedule.ID, nil)
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = call(t, env.schedules.Delete, "DELETE", "/api/schedules/x", env.admin, env.schedule.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	mine := decode[[]booking.View](t, call(t, env.bookings.Mine, "GET", "/api/bookings/mine", env.ann, 0, nil))
	if len(mine) != 0 {
		t.Errorf("bookings after delete = %d, want 0", len(mine))
	}

	pending, err := store.NewOutboxStore(env.db).ListByStatus(model.OutboxPending, 50)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	byType := map[string]int{}
	for _, m := range pending {
		byType[m.MessageType]++
	}
	// Update and delete are audited alongside the booking's own entries.
	if byType[model.MsgAudit] != 3 {
		t.Errorf("audit entries = %d, want 3", byType[model.MsgAudit])
	}
	if byType[model.MsgShiftReminder] != 0 {
		t.Errorf("reminders = %d, want 0 after the schedule is gone", byType[model.MsgShiftReminder])
	}
	if byType[model.MsgBookingCancelled] != 1 {
		t.Errorf("cancellation notices = %d, want 1", byType[model.MsgBookingCancelled])
	}

	rec = call(t, env.schedules.Get, "GET", "/api/schedules/x", env.admin, env.schedule.ID, nil)
	expectError(t, rec, http.StatusNotFound, "schedule_not_found")
}

func TestSlotsAndAvailable(t *testing.T) {
	env := setup(t)
	env.book(t, env.ann, lateSlot)

	window := fmt.Sprintf("from=%s&to=%s",
		time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))

	slots := decode[[]availability.Slot](t, call(t, env.schedules.Slots, "GET", "/api/schedules/x/slots?"+window, env.admin, env.schedule.ID, nil))
	if len(slots) != 2 {
		t.Fatalf("slots = %d, want 2", len(slots))
	}
	if slots[0].IsBooked || !slots[1].IsBooked {
		t.Errorf("booked = %v, %v, want only the 22:00 slot", slots[0].IsBooked, slots[1].IsBooked)
	}

	open := decode[[]availability.Slot](t, call(t, env.schedules.Available, "GET", "/api/shifts/available?"+window, env.ben, 0, nil))
	if len(open) != 1 || !open[0].Start.Equal(lateSlot.Add(-4*time.Hour)) {
		t.Errorf("available = %+v, want the 18:00 slot only", open)
	}

	rec := call(t, env.schedules.Slots, "GET", "/api/schedules/x/slots?"+window, env.admin, 999, nil)
	expectError(t, rec, http.StatusNotFound, "schedule_not_found")

	rec = call(t, env.schedules.Available, "GET", "/api/shifts/available?from=2026-02-01T00:00:00Z&to=2027-02-01T00:00:00Z", env.ben, 0, nil)
	expectError(t, rec, http.StatusBadRequest, "unbounded_window")

	rec = call(t, env.schedules.Available, "GET", "/api/shifts/available?from=yesterday", env.ben, 0, nil)
	expectError(t, rec, http.StatusBadRequest, "bad_request")
}

func TestUserAdministration(t *testing.T) {
	env := setup(t)

	rec := call(t, env.users.Create, "POST", "/api/users", env.admin, 0, map[string]any{"name": "Cat", "email": " Cat@Example.com "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	cat := decode[model.User](t, rec)
	if cat.Email != "cat@example.com" || cat.Role != model.RoleVolunteer {
		t.Errorf("user = %+v, want a normalized volunteer", cat)
	}

	rec = call(t, env.users.Create, "POST", "/api/users", env.admin, 0, map[string]any{"name": "Cat 2", "email": "cat@example.com"})
	expectError(t, rec, http.StatusConflict, "email_taken")

	rec = call(t, env.users.Create, "POST", "/api/users", env.admin, 0, map[string]any{"name": "Dee", "email": "dee", "role": "admin"})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	rec = call(t, env.users.Get, "GET", "/api/users/x", env.ann, env.ben.ID, nil)
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = call(t, env.users.SetPIN, "POST", "/api/users/x/pin", env.ann, env.ann.ID, map[string]any{"pin": "12a4"})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	rec = call(t, env.users.SetPIN, "POST", "/api/users/x/pin", env.ann, env.ann.ID, map[string]any{"pin": "1234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set pin status = %d, want 200", rec.Code)
	}
	me := decode[model.User](t, call(t, env.users.Get, "GET", "/api/users/x", env.ann, env.ann.ID, nil))
	if !me.HasPIN {
		t.Error("has_pin = false after setting a PIN")
	}

	rec = call(t, env.users.UpdateRole, "PUT", "/api/users/x/role", env.admin, env.ann.ID, map[string]any{"role": "admin"})
	if got := decode[model.User](t, rec); got.Role != model.RoleAdmin {
		t.Errorf("role = %q, want admin", got.Role)
	}
}

func TestDeleteUser(t *testing.T) {
	env := setup(t)
	b := env.book(t, env.ben, lateSlot)

	rec := call(t, env.users.Delete, "DELETE", "/api/users/x", env.admin, env.admin.ID, nil)
	expectError(t, rec, http.StatusConflict, "cannot_delete_self")

	rec = call(t, env.users.Delete, "DELETE", "/api/users/x", env.admin, 999, nil)
	expectError(t, rec, http.StatusNotFound, "user_not_found")

	rec = call(t, env.users.Delete, "DELETE", "/api/users/x", env.admin, env.ben.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (body %s)", rec.Code, rec.Body.String())
	}
	rec = call(t, env.users.Get, "GET", "/api/users/x", env.admin, env.ben.ID, nil)
	expectError(t, rec, http.StatusNotFound, "user_not_found")

	got, err := store.NewBookingStore(env.db).GetByID(b.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	if got != nil {
		t.Errorf("booking = %+v, want it removed with its owner", got)
	}
	divergent, err := gamification.Reconcile(env.db, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(divergent) != 0 {
		t.Errorf("divergences = %+v, want none", divergent)
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
		known  bool
	}{
		{fmt.Errorf("create booking: %w", booking.ErrSlotConflict), http.StatusConflict, "slot_conflict", true},
		{booking.ErrOutOfRange, http.StatusUnprocessableEntity, "out_of_range", true},
		{booking.ErrReportTooEarly, http.StatusConflict, "report_too_early", true},
		{fmt.Errorf("expand schedule 3: %w", recurrence.ErrUnboundedWindow), http.StatusBadRequest, "unbounded_window", true},
		{errors.New("disk full"), http.StatusInternalServerError, "internal", false},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		if known := writeDomainError(rec, tt.err); known != tt.known {
			t.Errorf("%v: known = %v, want %v", tt.err, known, tt.known)
		}
		if rec.Code != tt.status {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.status)
		}
		if body := decode[errorBody](t, rec); body.Code != tt.code {
			t.Errorf("%v: code = %q, want %q", tt.err, body.Code, tt.code)
		}
	}
}
