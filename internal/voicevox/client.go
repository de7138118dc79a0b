package voicevox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/width"

	"github.com/YutoMise/call-system/internal/models"
)

// Config configures the synthesis engine client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// MaxConcurrent bounds how many synthesis pipelines may run at once.
	// A zero value keeps the default of 2.
	MaxConcurrent int64
}

// Client talks to a Voicevox-compatible engine: query the speaker roster,
// build an audio query for a text, and render it to a WAV payload.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sem        *semaphore.Weighted
}

// Speaker describes one entry of the engine's speaker roster. Styles carry
// the ids accepted by the speaker query parameter.
type Speaker struct {
	Name   string         `json:"name"`
	UUID   string         `json:"speaker_uuid"`
	Styles []SpeakerStyle `json:"styles"`
}

// SpeakerStyle is one selectable voice style of a speaker.
type SpeakerStyle struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// NewClient constructs a client for the engine at baseURL.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(maxConcurrent),
	}
}

// Probe checks the engine is reachable. Callers treat a failure as a warning,
// not a startup error.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe engine: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe engine: status %d", resp.StatusCode)
	}
	return nil
}

// Speakers fetches the speaker roster.
func (c *Client) Speakers(ctx context.Context) ([]Speaker, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/speakers", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch speakers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch speakers: status %d", resp.StatusCode)
	}
	var speakers []Speaker
	if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}
	return speakers, nil
}

// HasStyle reports whether any speaker in the roster carries the style id.
func HasStyle(speakers []Speaker, styleID int) bool {
	for _, speaker := range speakers {
		for _, style := range speaker.Styles {
			if style.ID == styleID {
				return true
			}
		}
	}
	return false
}

// Synthesize renders text to WAV audio. The engine flow is a POST to
// /audio_query followed by a POST of the adjusted query to /synthesis. The
// query is decoded, its pitch and speedScale fields replaced from settings,
// and re-encoded; unknown query fields survive the round trip.
func (c *Client) Synthesize(ctx context.Context, text string, settings models.VoiceSettings) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("synthesis text is required")
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	query, err := c.audioQuery(ctx, text, settings.SpeakerID)
	if err != nil {
		return nil, err
	}
	query["pitch"] = settings.Pitch
	query["speedScale"] = settings.SpeedScale

	return c.synthesis(ctx, query, settings.SpeakerID)
}

func (c *Client) audioQuery(ctx context.Context, text string, speakerID int) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/audio_query?text=%s&speaker=%d", c.baseURL, url.QueryEscape(text), speakerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audio query: status %d", resp.StatusCode)
	}
	var query map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&query); err != nil {
		return nil, fmt.Errorf("decode audio query: %w", err)
	}
	return query, nil
}

func (c *Client) synthesis(ctx context.Context, query map[string]any, speakerID int) ([]byte, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encode audio query: %w", err)
	}
	endpoint := fmt.Sprintf("%s/synthesis?speaker=%d", c.baseURL, speakerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesis: status %d", resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis body: %w", err)
	}
	return audio, nil
}

// AnnouncementText builds the Japanese call-out phrase for an announcement.
// Full-width digits are folded to their half-width forms so the engine reads
// numbers consistently.
func AnnouncementText(a models.Announcement) string {
	ticket := normalizeNumber(a.TicketNumber)
	room := normalizeNumber(a.RoomNumber)
	return fmt.Sprintf("整理券番号 %s 番のかた、 %s 番診察室にお越しください。", ticket, room)
}

func normalizeNumber(value string) string {
	return width.Narrow.String(strings.TrimSpace(value))
}
