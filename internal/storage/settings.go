package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/YutoMise/call-system/internal/models"
)

const (
	pitchMin      = -0.15
	pitchMax      = 0.15
	speedScaleMin = 0.5
	speedScaleMax = 2.0
)

// SettingsStore keeps the voice synthesis parameters in a JSON file. A
// missing or unreadable file falls back to the built-in defaults.
type SettingsStore struct {
	mu       sync.RWMutex
	filePath string
	settings models.VoiceSettings
}

// NewSettingsStore loads settings from path, applying defaults for any field
// that is absent or out of range.
func NewSettingsStore(path string) (*SettingsStore, error) {
	store := &SettingsStore{
		filePath: path,
		settings: models.DefaultVoiceSettings(),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SettingsStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open settings file: %w", err)
	}
	defer file.Close()

	loaded := models.DefaultVoiceSettings()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&loaded); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode settings file: %w", err)
	}
	s.settings = sanitizeSettings(loaded)
	return nil
}

// Settings returns the current voice parameters.
func (s *SettingsStore) Settings() models.VoiceSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SaveSettings validates the supplied parameters, persists them, and makes
// them the current settings.
func (s *SettingsStore) SaveSettings(settings models.VoiceSettings) error {
	if err := ValidateSettings(settings); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := persistJSON(s.filePath, settings); err != nil {
		return err
	}
	s.settings = settings
	return nil
}

// ValidateSettings checks the allowed ranges for each voice parameter.
func ValidateSettings(settings models.VoiceSettings) error {
	if settings.SpeakerID < 0 {
		return errors.New("storage: speakerId must not be negative")
	}
	if settings.Pitch < pitchMin || settings.Pitch > pitchMax {
		return fmt.Errorf("storage: pitch must be between %g and %g", pitchMin, pitchMax)
	}
	if settings.SpeedScale < speedScaleMin || settings.SpeedScale > speedScaleMax {
		return fmt.Errorf("storage: speedScale must be between %g and %g", speedScaleMin, speedScaleMax)
	}
	return nil
}

func sanitizeSettings(settings models.VoiceSettings) models.VoiceSettings {
	defaults := models.DefaultVoiceSettings()
	if settings.SpeakerID < 0 {
		settings.SpeakerID = defaults.SpeakerID
	}
	if settings.Pitch < pitchMin || settings.Pitch > pitchMax {
		settings.Pitch = defaults.Pitch
	}
	if settings.SpeedScale < speedScaleMin || settings.SpeedScale > speedScaleMax {
		settings.SpeedScale = defaults.SpeedScale
	}
	return settings
}
