package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/YutoMise/call-system/internal/models"
)

// ErrChannelExists is returned when a channel with the same name is already
// registered.
var ErrChannelExists = errors.New("storage: channel already exists")

// ErrChannelNotFound is returned when a lookup names an unknown channel.
var ErrChannelNotFound = errors.New("storage: channel not found")

// ChannelRecord is the on-disk representation of one channel. The password
// field holds either an encoded hash or a legacy plaintext secret; callers in
// the auth package decide how to verify it.
type ChannelRecord struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// ChannelStore keeps the channel roster in a JSON file and serializes all
// mutations behind a single mutex.
type ChannelStore struct {
	mu       sync.RWMutex
	filePath string
	channels []ChannelRecord
}

// NewChannelStore loads the roster from path, treating a missing or empty
// file as an empty roster.
func NewChannelStore(path string) (*ChannelStore, error) {
	store := &ChannelStore{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *ChannelStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.channels = nil
		return nil
	} else if err != nil {
		return fmt.Errorf("open channels file: %w", err)
	}
	defer file.Close()

	var records []ChannelRecord
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			s.channels = nil
			return nil
		}
		return fmt.Errorf("decode channels file: %w", err)
	}
	s.channels = records
	return nil
}

// List returns the registered channel names sorted alphabetically. Passwords
// never leave the store through this path.
func (s *ChannelStore) List() []models.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Channel, 0, len(s.channels))
	for _, record := range s.channels {
		out = append(out, models.Channel{Name: record.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the stored record for name.
func (s *ChannelStore) Lookup(name string) (ChannelRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.channels {
		if record.Name == name {
			return record, true
		}
	}
	return ChannelRecord{}, false
}

// Count reports how many channels are registered.
func (s *ChannelStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Add appends a new channel and persists the roster. The name must be
// non-empty after trimming and unique.
func (s *ChannelStore) Add(name, password string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("storage: channel name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.channels {
		if record.Name == trimmed {
			return ErrChannelExists
		}
	}

	updated := append(append([]ChannelRecord(nil), s.channels...), ChannelRecord{
		Name:     trimmed,
		Password: password,
	})
	if err := persistJSON(s.filePath, updated); err != nil {
		return err
	}
	s.channels = updated
	return nil
}

// persistJSON writes value to path atomically: encode into a temp file in the
// same directory, sync, then rename over the target.
func persistJSON(path string, value any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}
