package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/availability"
	"github.com/dukerupert/nightwatch/internal/booking"
	"github.com/dukerupert/nightwatch/internal/handler"
	"github.com/dukerupert/nightwatch/internal/logging"
	"github.com/dukerupert/nightwatch/internal/middleware"
	"github.com/dukerupert/nightwatch/internal/push"
	"github.com/dukerupert/nightwatch/internal/store"
	ws "github.com/dukerupert/nightwatch/internal/websocket"
)

// Rate limits for unauthenticated and write-heavy endpoints.
const (
	kioskLimit   = 10
	bookingLimit = 30
	limitWindow  = time.Minute
)

// Deps are the long-lived services the HTTP surface is built on.
type Deps struct {
	DB             *sql.DB
	Bookings       *booking.Manager
	Availability   *availability.Service
	Tokens         *auth.Tokens
	Push           *push.Service
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	tokens      *auth.Tokens
	userStore   *store.UserStore
	userH       *handler.UserHandler
	scheduleH   *handler.ScheduleHandler
	bookingH    *handler.BookingHandler
	gameH       *handler.GameHandler
	pushH       *handler.PushHandler
	rateLimiter *middleware.RateLimiter
	origins     []string
	logger      *slog.Logger
}

// New builds the server and subscribes its websocket hub to committed
// booking changes.
func New(d Deps) *Server {
	logger := d.Logger
	hub := ws.NewHub(logging.Component(logger, "websocket"))
	d.Bookings.Subscribe(hub.OnBookingEvent)

	userStore := store.NewUserStore(d.DB)

	return &Server{
		db:          d.DB,
		hub:         hub,
		tokens:      d.Tokens,
		userStore:   userStore,
		userH:       handler.NewUserHandler(userStore, logging.Component(logger, "user")),
		scheduleH:   handler.NewScheduleHandler(d.DB, d.Availability, d.Bookings, hub, logging.Component(logger, "schedule")),
		bookingH:    handler.NewBookingHandler(d.Bookings, userStore, logging.Component(logger, "booking_handler")),
		gameH:       handler.NewGameHandler(d.DB, logging.Component(logger, "gamification_handler")),
		pushH:       handler.NewPushHandler(store.NewPushStore(d.DB), d.Push, logging.Component(logger, "push_handler")),
		rateLimiter: middleware.NewRateLimiter(),
		origins:     d.OriginPatterns,
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("POST /api/kiosk/check-in", s.limit(middleware.ByIP, kioskLimit, s.bookingH.KioskCheckIn))

	// Protected routes, wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.tokens, s.userStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(logging.Component(s.logger, "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) limit(key func(*http.Request) string, n int, h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, key, n, limitWindow)(h)
}

func admin(h http.HandlerFunc) http.Handler {
	return middleware.RequireAdmin(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.origins, logging.Component(s.logger, "websocket")))

	// Users
	mux.Handle("GET /api/users", admin(s.userH.List))
	mux.Handle("POST /api/users", admin(s.userH.Create))
	mux.HandleFunc("GET /api/users/{id}", s.userH.Get)
	mux.Handle("PUT /api/users/{id}/role", admin(s.userH.UpdateRole))
	mux.Handle("DELETE /api/users/{id}", admin(s.userH.Delete))
	mux.HandleFunc("POST /api/users/{id}/pin", s.userH.SetPIN)
	mux.HandleFunc("DELETE /api/users/{id}/pin", s.userH.ClearPIN)

	// Schedules and availability
	mux.HandleFunc("GET /api/schedules", s.scheduleH.List)
	mux.Handle("POST /api/schedules", admin(s.scheduleH.Create))
	mux.HandleFunc("GET /api/schedules/{id}", s.scheduleH.Get)
	mux.Handle("PUT /api/schedules/{id}", admin(s.scheduleH.Update))
	mux.Handle("DELETE /api/schedules/{id}", admin(s.scheduleH.Delete))
	mux.Handle("GET /api/schedules/{id}/slots", admin(s.scheduleH.Slots))
	mux.HandleFunc("GET /api/shifts/available", s.scheduleH.Available)

	// Bookings
	mux.Handle("POST /api/bookings", s.limit(middleware.ByUser, bookingLimit, s.bookingH.Create))
	mux.HandleFunc("GET /api/bookings/mine", s.bookingH.Mine)
	mux.HandleFunc("GET /api/bookings/{id}", s.bookingH.Get)
	mux.HandleFunc("DELETE /api/bookings/{id}", s.bookingH.Cancel)
	mux.HandleFunc("POST /api/bookings/{id}/check-in", s.bookingH.CheckIn)
	mux.Handle("POST /api/bookings/{id}/reassign", admin(s.bookingH.Reassign))
	mux.HandleFunc("POST /api/bookings/{id}/report", s.bookingH.Report)

	// Gamification
	mux.HandleFunc("GET /api/points/history", s.gameH.PointsHistory)
	mux.HandleFunc("GET /api/me/stats", s.gameH.Stats)
	mux.HandleFunc("GET /api/achievements", s.gameH.Achievements)
	mux.HandleFunc("GET /api/leaderboard", s.gameH.Leaderboard)
	mux.HandleFunc("GET /api/leaderboard/rank", s.gameH.Rank)

	// Push notifications
	mux.HandleFunc("POST /api/push/subscriptions", s.pushH.Subscribe)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
}
