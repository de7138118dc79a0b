package api

import (
	"errors"
	"net/http"

	"github.com/YutoMise/call-system/internal/models"
	"github.com/YutoMise/call-system/internal/sse"
	"github.com/YutoMise/call-system/internal/voicevox"
)

// HandleAnnounce pushes a ticket/room announcement to every live subscriber
// of a channel. Callers authenticate with an admin session; legacy operator
// panels may instead re-send the channel password in the body.
func (h *Handler) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req struct {
		ChannelName  string `json:"channelName"`
		Password     string `json:"password"`
		TicketNumber string `json:"ticketNumber"`
		RoomNumber   string `json:"roomNumber"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChannelName == "" || req.TicketNumber == "" || req.RoomNumber == "" {
		writeError(w, http.StatusBadRequest, errors.New("channelName, ticketNumber and roomNumber are required"))
		return
	}
	if !h.adminSession(r) {
		if req.Password == "" || h.Credentials.VerifyChannel(req.ChannelName, req.Password) != nil {
			writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
			return
		}
	}
	if _, ok := h.Channels.Lookup(req.ChannelName); !ok {
		writeError(w, http.StatusNotFound, errors.New("channel not found"))
		return
	}

	announcement := models.Announcement{TicketNumber: req.TicketNumber, RoomNumber: req.RoomNumber}
	announcement.SpeechText = voicevox.AnnouncementText(announcement)
	delivered := h.Hub.Broadcast(req.ChannelName, "play-announcement", announcement)
	h.Logger.Info("announcement broadcast",
		"channel", req.ChannelName,
		"ticket", req.TicketNumber,
		"room", req.RoomNumber,
		"delivered", delivered)
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

// HandleEvents upgrades the request to a server-sent event stream for the
// channel the session is bound to. The call blocks until the client
// disconnects or the hub shuts down.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	scope, token, ok := h.subscriberSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		return
	}
	if err := h.Hub.Subscribe(w, r, scope.Channel, token); err != nil {
		switch {
		case errors.Is(err, sse.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		case errors.Is(err, sse.ErrRegistryFull):
			writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, sse.ErrStreamingUnsupported):
			writeError(w, http.StatusInternalServerError, err)
		default:
			// Write failures after the stream opened cannot change the
			// response status anymore.
			h.Logger.Warn("event stream ended", "channel", scope.Channel, "error", err)
		}
	}
}
