package api

import (
	"net/http"

	"github.com/YutoMise/call-system/internal/models"
)

// adminSession resolves the operator session cookie. It reports whether the
// request carries a live admin-scoped token.
func (h *Handler) adminSession(r *http.Request) bool {
	token := cookieToken(r, AdminCookieName)
	if token == "" {
		return false
	}
	scope, ok, err := h.Sessions.Validate(token)
	if err != nil {
		h.Logger.Error("validate admin session", "error", err)
		return false
	}
	return ok && scope.Admin
}

// subscriberSession resolves the channel-scoped session cookie. Admin tokens
// do not grant subscriber access.
func (h *Handler) subscriberSession(r *http.Request) (models.SessionScope, string, bool) {
	token := cookieToken(r, SubscriberCookieName)
	if token == "" {
		return models.SessionScope{}, "", false
	}
	scope, ok, err := h.Sessions.Validate(token)
	if err != nil {
		h.Logger.Error("validate subscriber session", "error", err)
		return models.SessionScope{}, "", false
	}
	if !ok || scope.Admin || scope.Channel == "" {
		return models.SessionScope{}, "", false
	}
	return scope, token, true
}
