package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/attachments"
	"github.com/pliu/chatroom/internal/auth"
	"github.com/pliu/chatroom/internal/models"
	"github.com/pliu/chatroom/internal/store"
)

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SignupRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	DisplayName string `json:"display_name" validate:"omitempty,max=64"`
}

type ProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,max=64"`
	AvatarRef   string `json:"avatar_ref" validate:"omitempty,max=64"`
}

type LoginResponse struct {
	User      *models.User `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type AuthHandler struct {
	Store      store.Store
	Sessions   *auth.Sessions
	CookieName string
	Secure     bool
	Log        *zap.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	user := &models.User{
		Username:    req.Username,
		Email:       strings.ToLower(req.Email),
		Password:    string(hashedPassword),
		DisplayName: strings.TrimSpace(req.DisplayName),
	}
	if err := h.Store.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), creds.Username)
	if errors.Is(err, apperr.ErrNotFound) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if !user.IsActive {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, expires, err := h.Sessions.Issue(user.ID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, LoginResponse{User: user, Token: token, ExpiresAt: expires})
}

// Logout clears the session cookie. Tokens are stateless and stay valid
// until they expire.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	user, err := h.Store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req ProfileRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if req.AvatarRef != "" && !attachments.ValidRef(req.AvatarRef) {
		writeError(w, r, h.Log, apperr.Validation("invalid avatar reference"))
		return
	}

	if err := h.Store.UpdateProfile(r.Context(), userID, strings.TrimSpace(req.DisplayName), req.AvatarRef); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.Me(w, r)
}

// Deactivate soft-deletes the current account and ends the session.
func (h *AuthHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeactivateUser(r.Context(), userID); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}
