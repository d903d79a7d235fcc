package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/leaderboard"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// GameHandler serves the read side of points, achievements and the
// leaderboard.
type GameHandler struct {
	points       *store.PointsStore
	state        *store.GameStateStore
	achievements *store.AchievementStore
	board        *leaderboard.Projector
	logger       *slog.Logger
}

func NewGameHandler(db store.DBTX, logger *slog.Logger) *GameHandler {
	return &GameHandler{
		points:       store.NewPointsStore(db),
		state:        store.NewGameStateStore(db),
		achievements: store.NewAchievementStore(db),
		board:        leaderboard.NewProjector(db),
		logger:       logger,
	}
}

func (h *GameHandler) fail(w http.ResponseWriter, op string, err error) {
	if !writeDomainError(w, err) {
		h.logger.Error(op, "error", err)
	}
}

// PointsHistory handles GET /api/points/history?limit&offset, newest first.
func (h *GameHandler) PointsHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := h.points.ListByUser(auth.UserID(r.Context()), limit, offset)
	if err != nil {
		h.fail(w, "points history", err)
		return
	}
	if entries == nil {
		entries = []model.PointsEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type statsResponse struct {
	model.UserGameState
	Achievements []model.AchievementProgress `json:"achievements"`
}

// Stats handles GET /api/me/stats.
func (h *GameHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	g, err := h.state.Get(userID)
	if err != nil {
		h.fail(w, "get game state", err)
		return
	}
	if g == nil {
		g = &model.UserGameState{UserID: userID}
	}

	progress, err := h.achievements.ListProgress(userID)
	if err != nil {
		h.fail(w, "list achievements", err)
		return
	}
	earned := []model.AchievementProgress{}
	for _, p := range progress {
		if p.EarnedAt != nil {
			earned = append(earned, p)
		}
	}
	writeJSON(w, http.StatusOK, statsResponse{UserGameState: *g, Achievements: earned})
}

// Achievements handles GET /api/achievements: the whole catalogue with the
// caller's earned_at.
func (h *GameHandler) Achievements(w http.ResponseWriter, r *http.Request) {
	progress, err := h.achievements.ListProgress(auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "list achievements", err)
		return
	}
	if progress == nil {
		progress = []model.AchievementProgress{}
	}
	writeJSON(w, http.StatusOK, progress)
}

// Leaderboard handles GET /api/leaderboard?by=points|shifts&limit=n.
func (h *GameHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	by, err := leaderboard.ParseCriterion(r.URL.Query().Get("by"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", leaderboard.DefaultLimit)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := h.board.Top(by, limit)
	if err != nil {
		h.fail(w, "leaderboard", err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Rank handles GET /api/leaderboard/rank for the caller.
func (h *GameHandler) Rank(w http.ResponseWriter, r *http.Request) {
	rank, err := h.board.RankOf(auth.UserID(r.Context()))
	if err != nil {
		h.fail(w, "rank", err)
		return
	}
	writeJSON(w, http.StatusOK, rank)
}
