package api

import (
	"errors"
	"net/http"
)

// HandleHealth reports process liveness plus a reachability check of the
// session store.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	status := "ok"
	code := http.StatusOK
	if err := h.Sessions.Ping(r.Context()); err != nil {
		h.Logger.Error("session store ping", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	sessionCount, err := h.Sessions.Count()
	if err != nil {
		sessionCount = -1
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"sessions": sessionCount,
		"channels": h.Channels.Count(),
	})
}
