package api

import (
	"errors"
	"net/http"

	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/models"
)

// HandleAdminLogin verifies the operator credentials and issues an
// admin-scoped session in the admin_session cookie.
func (h *Handler) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	if err := h.Credentials.VerifyAdmin(req.Username, req.Password); err != nil {
		h.Recorder.ObserveSessionEvent("rejected")
		h.Logger.Warn("admin login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		return
	}
	token, expiresAt, err := h.Sessions.Create(models.SessionScope{Admin: true})
	if err != nil {
		if errors.Is(err, auth.ErrSessionCapacity) {
			h.Recorder.ObserveSessionEvent("capacity")
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Recorder.ObserveSessionEvent("created")
	setSessionCookie(w, r, AdminCookieName, token, expiresAt, h.sessionCookiePolicy())
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged in"})
}

// HandleAdminLogout revokes the operator session.
func (h *Handler) HandleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if token := cookieToken(r, AdminCookieName); token != "" {
		if err := h.Sessions.Revoke(token); err != nil {
			h.Logger.Error("revoke admin session", "error", err)
		} else {
			h.Recorder.ObserveSessionEvent("revoked")
		}
	}
	clearSessionCookie(w, r, AdminCookieName, h.sessionCookiePolicy())
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleAuthStatus reports whether the request carries a live admin session.
// The response is always 200; a missing or expired session is false, not an
// error.
func (h *Handler) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isAuthenticated": h.adminSession(r)})
}
