package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/YutoMise/call-system/internal/models"
	"github.com/YutoMise/call-system/internal/storage"
	"github.com/YutoMise/call-system/internal/voicevox"
)

// HandleVoicevoxSettings serves the current synthesis parameters together
// with the engine's speaker roster, and lets operators update them.
func (h *Handler) HandleVoicevoxSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.voiceSettings(w, r)
	case http.MethodPost:
		h.saveVoiceSettings(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (h *Handler) voiceSettings(w http.ResponseWriter, r *http.Request) {
	settings := h.Settings.Settings()
	speakers, err := h.Voice.Speakers(r.Context())
	if err != nil {
		// The roster is advisory; settings stay usable when the engine is
		// down.
		h.Logger.Warn("fetch speaker roster", "error", err)
		speakers = []voicevox.Speaker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"currentSpeakerId":  settings.SpeakerID,
		"currentPitch":      settings.Pitch,
		"currentSpeedScale": settings.SpeedScale,
		"availableSpeakers": speakers,
	})
}

func (h *Handler) saveVoiceSettings(w http.ResponseWriter, r *http.Request) {
	if !h.adminSession(r) {
		writeError(w, http.StatusUnauthorized, errAuthenticationFailed)
		return
	}
	var req struct {
		SpeakerID  *int     `json:"speakerId"`
		Pitch      *float64 `json:"pitch"`
		SpeedScale *float64 `json:"speedScale"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SpeakerID == nil || req.Pitch == nil || req.SpeedScale == nil {
		writeError(w, http.StatusBadRequest, errors.New("speakerId, pitch and speedScale are required"))
		return
	}
	settings := models.VoiceSettings{SpeakerID: *req.SpeakerID, Pitch: *req.Pitch, SpeedScale: *req.SpeedScale}
	if err := storage.ValidateSettings(settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if speakers, err := h.Voice.Speakers(r.Context()); err == nil && len(speakers) > 0 {
		if !voicevox.HasStyle(speakers, settings.SpeakerID) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("speakerId %d is not in the available speaker list", settings.SpeakerID))
			return
		}
	}
	if err := h.Settings.SaveSettings(settings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Logger.Info("voice settings updated",
		"speakerId", settings.SpeakerID,
		"pitch", settings.Pitch,
		"speedScale", settings.SpeedScale)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "settings updated",
		"currentSettings": settings,
	})
}

// HandleVoicevoxAudio renders the text query parameter to WAV audio using
// the stored synthesis parameters.
func (h *Handler) HandleVoicevoxAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	text := r.URL.Query().Get("text")
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text query parameter is required"))
		return
	}
	audio, err := h.Voice.Synthesize(r.Context(), text, h.Settings.Settings())
	if err != nil {
		h.Recorder.ObserveSynthesis("error")
		h.Logger.Error("synthesize audio", "error", err)
		writeError(w, http.StatusBadGateway, errors.New("audio synthesis failed"))
		return
	}
	h.Recorder.ObserveSynthesis("ok")
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}
