package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/nightwatch/internal/auth"
	"github.com/dukerupert/nightwatch/internal/store"
)

// RequireAuth validates the bearer token and populates AuthContext. The
// role comes from the users table, not the token, so demotions apply at once.
func RequireAuth(tokens *auth.Tokens, users *store.UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := tokens.Verify(raw)
			if err != nil {
				unauthorized(w)
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				unauthorized(w)
				return
			}

			u, err := users.GetByID(userID)
			if err != nil {
				jsonError(w, http.StatusInternalServerError, "internal", "internal error")
				return
			}
			if u == nil {
				unauthorized(w)
				return
			}

			ctx := auth.WithAuth(r.Context(), auth.AuthContext{UserID: u.ID, Role: u.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated user has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			jsonError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := r.URL.Query().Get("access_token"); t != "" && r.Header.Get("Upgrade") == "websocket" {
			return t, true
		}
		return "", false
	}
	return strings.TrimSpace(token), true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="nightwatch"`)
	jsonError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

func jsonError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
