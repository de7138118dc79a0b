package models

// Channel describes a named broadcast group that subscribers join with a
// shared password. Credentials are kept hashed by the auth package; the
// plaintext password only appears in the persisted channels file.
type Channel struct {
	Name string `json:"name"`
}

// Announcement is the payload pushed to every live subscriber of a channel.
// SpeechText carries the server-built call-out phrase so every receiver
// speaks the same normalized wording.
type Announcement struct {
	TicketNumber string `json:"ticketNumber"`
	RoomNumber   string `json:"roomNumber"`
	SpeechText   string `json:"speechText,omitempty"`
}

// VoiceSettings holds the synthesis parameters persisted in the settings
// file and applied to every audio query.
type VoiceSettings struct {
	SpeakerID  int     `json:"speakerId"`
	Pitch      float64 `json:"pitch"`
	SpeedScale float64 `json:"speedScale"`
}

// DefaultVoiceSettings returns the parameters used when no settings file
// exists yet.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{SpeakerID: 3, Pitch: 0, SpeedScale: 1.0}
}

// SessionScope binds a session token to either the admin identity or a
// single channel. Exactly one of the two interpretations applies: Admin
// sessions carry an empty channel name.
type SessionScope struct {
	Channel string
	Admin   bool
}
