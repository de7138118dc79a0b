package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/models"
	"github.com/YutoMise/call-system/internal/storage"
)

var errAuthenticationFailed = errors.New("authentication failed")

// HandleChannels serves the channel roster and, for operators, channel
// creation.
func (h *Handler) HandleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listChannels(w, r)
	case http.MethodPost:
		h.createChannel(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) listChannels(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0)
	for _, channel := range h.Channels.List() {
		names = append(names, channel.Name)
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request) {
	if !h.adminSession(r) {
		writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		return
	}
	var req struct {
		ChannelName string `json:"channelName"`
		Password    string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ChannelName) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("channelName and password are required"))
		return
	}
	if err := h.Credentials.AddChannel(req.ChannelName, req.Password); err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Logger.Info("channel created", "channel", strings.TrimSpace(req.ChannelName))
	writeJSON(w, http.StatusCreated, models.Channel{Name: strings.TrimSpace(req.ChannelName)})
}

// HandleSubscribe verifies a channel password and issues a channel-scoped
// session token in the session_id cookie.
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req struct {
		ChannelName string `json:"channelName"`
		Password    string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChannelName == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("channelName and password are required"))
		return
	}
	if err := h.Credentials.VerifyChannel(req.ChannelName, req.Password); err != nil {
		h.Recorder.ObserveSessionEvent("rejected")
		writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		return
	}
	token, expiresAt, err := h.Sessions.Create(models.SessionScope{Channel: req.ChannelName})
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
	setSessionCookie(w, r, SubscriberCookieName, token, expiresAt, h.sessionCookiePolicy())
	writeJSON(w, http.StatusOK, map[string]string{"channel": req.ChannelName})
}

// HandleUnsubscribe revokes the subscriber session. Revoking an absent or
// stale token still succeeds.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if token := cookieToken(r, SubscriberCookieName); token != "" {
		if err := h.Sessions.Revoke(token); err != nil {
			h.Logger.Error("revoke subscriber session", "error", err)
		} else {
			h.Recorder.ObserveSessionEvent("revoked")
		}
	}
	clearSessionCookie(w, r, SubscriberCookieName, h.sessionCookiePolicy())
	writeJSON(w, http.StatusOK, map[string]string{"message": "unsubscribed"})
}
