package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/audit"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/auth"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	UID          uuid.UUID `json:"uid"`
	RefreshToken string    `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.creds == nil || a.tokens == nil {
		respondError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	creds, err := a.creds.UserCredentials(r.Context(), email)
	if errors.Is(err, workplace.ErrNotFound) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if creds.Disabled {
		respondError(w, http.StatusUnauthorized, "account disabled")
		return
	}
	if err := auth.VerifyPassword(creds.PasswordHash, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := a.tokens.IssuePair(r.Context(), creds.UID, creds.DisplayName)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"uid":   creds.UID.String(),
		"email": email,
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		respondError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}

	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UID == uuid.Nil || req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "uid and refresh_token are required")
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), req.UID, req.RefreshToken, "")
	if errors.Is(err, auth.ErrInvalidToken) {
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.refresh.rotated", map[string]any{
		"uid": req.UID.String(),
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		respondError(w, http.StatusServiceUnavailable, "authentication disabled")
		return
	}
	uid, ok := auth.UIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if err := a.tokens.Logout(r.Context(), uid); err != nil {
		respondError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"uid": uid.String()})
	w.WriteHeader(http.StatusNoContent)
}
