package api

import (
	"log/slog"

	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/observability/metrics"
	"github.com/YutoMise/call-system/internal/sse"
	"github.com/YutoMise/call-system/internal/storage"
	"github.com/YutoMise/call-system/internal/voicevox"
)

// Handler carries the collaborators every endpoint needs.
type Handler struct {
	Channels            *storage.ChannelStore
	Settings            *storage.SettingsStore
	Credentials         *auth.Credentials
	Sessions            *auth.SessionManager
	Hub                 *sse.Hub
	Voice               *voicevox.Client
	Logger              *slog.Logger
	Recorder            *metrics.Recorder
	SessionCookiePolicy SessionCookiePolicy
}

// NewHandler wires the API endpoints to their collaborators.
func NewHandler(channels *storage.ChannelStore, settings *storage.SettingsStore, credentials *auth.Credentials, sessions *auth.SessionManager, hub *sse.Hub, voice *voicevox.Client, logger *slog.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	if sessions == nil {
		sessions = auth.NewSessionManager()
	}
	return &Handler{
		Channels:            channels,
		Settings:            settings,
		Credentials:         credentials,
		Sessions:            sessions,
		Hub:                 hub,
		Voice:               voice,
		Logger:              logger,
		Recorder:            recorder,
		SessionCookiePolicy: DefaultSessionCookiePolicy(),
	}
}
