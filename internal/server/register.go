package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/users"
)

// RegisterRequest represents the JSON payload for user registration
type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// registerHandler creates a credentials account and signs it in.
func (cfg Config) registerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req RegisterRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Email = strings.TrimSpace(strings.ToLower(req.Email))
		req.Name = strings.TrimSpace(req.Name)

		if !users.ValidateEmail(req.Email) {
			writeJSONError(w, http.StatusBadRequest, "invalid email address")
			return
		}
		if len(req.Name) > 100 {
			writeJSONError(w, http.StatusBadRequest, "name must be less than 100 characters")
			return
		}
		if ok, msg := users.ValidatePassword(req.Password); !ok {
			writeJSONError(w, http.StatusBadRequest, msg)
			return
		}

		u, err := cfg.Users.Register(r.Context(), req.Email, req.Name, req.Password)
		if errors.Is(err, users.ErrExists) {
			writeJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		if err != nil {
			logging.Error("register_failed", logging.Fields{"request_id": RequestIDFromContext(r.Context())}, err)
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}

		if err := cfg.Auth.issueSession(w, u.ID); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}
		logging.Info("user_registered", logging.Fields{"user_id": u.ID})
		writeJSON(w, http.StatusCreated, u)
	}
}
