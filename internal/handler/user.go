package handler

import (
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

const pinLength = 4

type UserHandler struct {
	users  *store.UserStore
	logger *slog.Logger
}

func NewUserHandler(users *store.UserStore, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// List handles GET /api/users (admin).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List()
	if err != nil {
		h.logger.Error("list users", "error", err)
		writeDomainError(w, err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// Create handles POST /api/users (admin).
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		badRequest(w, "a valid email is required")
		return
	}
	switch req.Role {
	case "":
		req.Role = model.RoleVolunteer
	case model.RoleVolunteer, model.RoleAdmin:
	default:
		badRequest(w, "role must be volunteer or admin")
		return
	}

	u, err := h.users.Create(req.Name, req.Email, req.Role)
	if store.IsUniqueViolation(err) {
		writeError(w, http.StatusConflict, "email_taken", "a user with that email already exists")
		return
	}
	if err != nil {
		h.logger.Error("create user", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Get handles GET /api/users/{id}. Volunteers may only read themselves.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if id != auth.UserID(r.Context()) && !auth.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot read another user")
		return
	}

	u, err := h.users.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateRole handles PUT /api/users/{id}/role (admin).
func (h *UserHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.Role != model.RoleVolunteer && req.Role != model.RoleAdmin {
		badRequest(w, "role must be volunteer or admin")
		return
	}

	u, err := h.users.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if err := h.users.UpdateRole(id, req.Role); err != nil {
		h.logger.Error("update role", "user_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	u.Role = req.Role
	writeJSON(w, http.StatusOK, u)
}

// Delete handles DELETE /api/users/{id} (admin). The user's bookings and
// points history go with them. Admins cannot delete themselves.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if id == auth.UserID(r.Context()) {
		writeError(w, http.StatusConflict, "cannot_delete_self", "cannot delete your own account")
		return
	}

	u, err := h.users.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}
	if err := h.users.Delete(id); err != nil {
		h.logger.Error("delete user", "user_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	h.logger.Info("user deleted", "user_id", id, "actor_id", auth.UserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// SetPIN handles POST /api/users/{id}/pin. Users set their own kiosk PIN;
// admins may set anyone's.
func (h *UserHandler) SetPIN(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if id != auth.UserID(r.Context()) && !auth.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot set another user's PIN")
		return
	}

	var req struct {
		PIN string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if len(req.PIN) != pinLength || !isDigits(req.PIN) {
		badRequest(w, "PIN must be exactly 4 digits")
		return
	}

	u, err := h.users.GetByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("hash pin", "error", err)
		writeDomainError(w, err)
		return
	}
	if err := h.users.SetPIN(id, string(hash)); err != nil {
		h.logger.Error("set pin", "user_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pin set"})
}

// ClearPIN handles DELETE /api/users/{id}/pin.
func (h *UserHandler) ClearPIN(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badRequest(w, "invalid id")
		return
	}
	if id != auth.UserID(r.Context()) && !auth.IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot clear another user's PIN")
		return
	}
	if err := h.users.SetPIN(id, ""); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pin cleared"})
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
