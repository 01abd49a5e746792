package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/go-chi/chi/v5"

	appI18n "tutee/internal/i18n"
	"tutee/internal/model"
)

// userView is the JSON shape for user listings; the password hash never
// leaves the store.
type userView struct {
	ID          int64          `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Role        model.UserRole `json:"role"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		h.writeError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Role:        u.Role,
			Active:      u.Active,
			CreatedAt:   u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "BadRequest"),
		})
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "UserFieldsRequired"),
		})
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleTeacher
	}
	if req.Role != model.UserRoleTeacher && req.Role != model.UserRoleAdmin {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "UnknownRole"),
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	id, err := h.store.CreateUser(model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		slog.Error("failed to create user", "error", err)
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "create_failed", Message: appI18n.T(r.Context(), "UserCreateFailed"), Detail: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, userView{
		ID:          id,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		Active:      true,
	})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "bad_request", Message: appI18n.T(r.Context(), "BadRequest"),
		})
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.writeError(w, r, err)
		return
	}

	user, err := h.store.GetUserByID(id)
	if err != nil || user == nil {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not_found", Message: appI18n.T(r.Context(), "NotFound"),
		})
		return
	}
	writeJSON(w, http.StatusOK, userView{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		Active:      user.Active,
		CreatedAt:   user.CreatedAt,
	})
}
