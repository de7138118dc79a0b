package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/YutoMise/call-system/internal/models"
	"github.com/YutoMise/call-system/internal/observability/metrics"
)

// ErrRegistryFull is returned when attaching would exceed the channel table
// capacity.
var ErrRegistryFull = errors.New("sse: channel registry full")

// ErrUnauthorized is returned when a token does not grant access to the
// requested channel stream.
var ErrUnauthorized = errors.New("sse: token not valid for channel")

// ErrStreamingUnsupported is returned when the response writer cannot flush,
// which a server-sent event stream requires.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")

// TokenValidator resolves a session token to its scope. Satisfied by
// auth.SessionManager.
type TokenValidator interface {
	Validate(token string) (models.SessionScope, bool, error)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Sessions TokenValidator
	Logger   *slog.Logger
	Recorder *metrics.Recorder
	// KeepaliveInterval controls how often the hub pings every attached
	// subscriber. A zero value keeps the 30 second default.
	KeepaliveInterval time.Duration
	// MaxChannels bounds the channel table. A zero value keeps the default
	// of 100.
	MaxChannels int
}

// Hub owns the channel table and fans announcements out to every live
// subscriber of a channel. One hub serves the whole process.
type Hub struct {
	sessions          TokenValidator
	logger            *slog.Logger
	recorder          *metrics.Recorder
	keepaliveInterval time.Duration
	maxChannels       int

	mu       sync.Mutex
	channels map[string]*channel

	done     chan struct{}
	sweeper  sync.WaitGroup
	shutdown sync.Once
}

type channel struct {
	name string

	mu      sync.Mutex
	members map[*connection]struct{}
}

// connection is one live subscriber stream. The write mutex serializes
// announcement and keepalive writes so frames never interleave.
type connection struct {
	channelName string
	writer      http.ResponseWriter
	flusher     http.Flusher
	connectedAt time.Time

	writeMu  sync.Mutex
	lastPing time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// writeEvent emits one "event: <name>\ndata: <json>\n\n" frame and flushes it
// to the client.
func (c *connection) writeEvent(event string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// NewHub constructs a hub and starts its keepalive sweep.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxChannels := cfg.MaxChannels
	if maxChannels <= 0 {
		maxChannels = 100
	}
	hub := &Hub{
		sessions:          cfg.Sessions,
		logger:            logger,
		recorder:          recorder,
		keepaliveInterval: interval,
		maxChannels:       maxChannels,
		channels:          make(map[string]*channel),
		done:              make(chan struct{}),
	}
	hub.sweeper.Add(1)
	go hub.keepaliveLoop()
	return hub
}

// findOrCreate returns the channel entry for name, creating it when the table
// has room. At most one entry per name exists even under concurrent calls.
func (h *Hub) findOrCreate(name string) (*channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[name]; ok {
		return ch, nil
	}
	if len(h.channels) >= h.maxChannels {
		return nil, ErrRegistryFull
	}
	ch := &channel{name: name, members: make(map[*connection]struct{})}
	h.channels[name] = ch
	return ch, nil
}

func (h *Hub) lookup(name string) (*channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[name]
	return ch, ok
}

// Subscribe validates the token against the channel scope, attaches the
// client as a live subscriber, sends the "connected" acknowledgement, and
// blocks until the client disconnects or the hub shuts down.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, channelName, token string) error {
	scope, ok, err := h.sessions.Validate(token)
	if err != nil {
		return err
	}
	if !ok || scope.Admin || scope.Channel != channelName {
		return ErrUnauthorized
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	ch, err := h.findOrCreate(channelName)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	now := time.Now()
	conn := &connection{
		channelName: channelName,
		writer:      w,
		flusher:     flusher,
		connectedAt: now,
		lastPing:    now,
		closed:      make(chan struct{}),
	}

	ch.mu.Lock()
	ch.members[conn] = struct{}{}
	ch.mu.Unlock()

	h.recorder.SubscriberConnected()
	h.updateChannelGauge()
	h.logger.Info("subscriber attached", "channel", channelName)

	payload, _ := json.Marshal(map[string]string{"channel": channelName})
	if err := conn.writeEvent("connected", payload); err != nil {
		h.detach(ch, conn)
		return err
	}

	select {
	case <-r.Context().Done():
	case <-conn.closed:
	case <-h.done:
	}
	h.detach(ch, conn)
	h.logger.Info("subscriber detached", "channel", channelName)
	return nil
}

// detach removes the connection from its channel and releases it. Safe to
// call more than once for the same connection.
func (h *Hub) detach(ch *channel, conn *connection) {
	ch.mu.Lock()
	_, present := ch.members[conn]
	delete(ch.members, conn)
	ch.mu.Unlock()
	conn.close()
	if present {
		h.recorder.SubscriberDisconnected()
		h.updateChannelGauge()
	}
}

// Broadcast delivers the event to every live subscriber of the channel and
// returns how many received it. An unknown channel means no subscribers yet
// and delivers to zero. A failed write detaches that subscriber but never
// aborts delivery to the rest.
func (h *Hub) Broadcast(channelName, eventType string, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal broadcast payload", "event", eventType, "error", err)
		return 0
	}

	ch, ok := h.lookup(channelName)
	if !ok {
		h.recorder.ObserveBroadcast(eventType, 0)
		return 0
	}

	delivered := h.deliver(ch, eventType, data)
	h.recorder.ObserveBroadcast(eventType, delivered)
	return delivered
}

// deliver snapshots the membership under the channel lock, writes without any
// lock held, then removes members whose write failed.
func (h *Hub) deliver(ch *channel, eventType string, data []byte) int {
	ch.mu.Lock()
	snapshot := make([]*connection, 0, len(ch.members))
	for conn := range ch.members {
		snapshot = append(snapshot, conn)
	}
	ch.mu.Unlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := conn.writeEvent(eventType, data); err != nil {
			h.logger.Warn("subscriber write failed", "channel", ch.name, "event", eventType, "error", err)
			h.detach(ch, conn)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) keepaliveLoop() {
	defer h.sweeper.Done()
	ticker := time.NewTicker(h.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case now := <-ticker.C:
			h.sweep(now)
		}
	}
}

// sweep pings every attached connection across every channel. Write failures
// reclaim dead connections.
func (h *Hub) sweep(now time.Time) {
	h.mu.Lock()
	channels := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	data, _ := json.Marshal(map[string]int64{"time": now.Unix()})
	for _, ch := range channels {
		ch.mu.Lock()
		snapshot := make([]*connection, 0, len(ch.members))
		for conn := range ch.members {
			snapshot = append(snapshot, conn)
		}
		ch.mu.Unlock()

		delivered := 0
		for _, conn := range snapshot {
			if err := conn.writeEvent("ping", data); err != nil {
				h.detach(ch, conn)
				continue
			}
			conn.writeMu.Lock()
			conn.lastPing = now
			conn.writeMu.Unlock()
			delivered++
		}
		if len(snapshot) > 0 {
			h.recorder.ObserveBroadcast("ping", delivered)
		}
	}
}

// SubscriberCount reports how many live subscribers the named channel has.
func (h *Hub) SubscriberCount(channelName string) int {
	ch, ok := h.lookup(channelName)
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.members)
}

func (h *Hub) updateChannelGauge() {
	h.mu.Lock()
	channels := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	active := 0
	for _, ch := range channels {
		ch.mu.Lock()
		if len(ch.members) > 0 {
			active++
		}
		ch.mu.Unlock()
	}
	h.recorder.SetActiveChannels(active)
}

// Shutdown stops the keepalive sweep and destroys every live connection,
// unblocking their Subscribe calls. It waits for an in-flight sweep to
// finish, bounded by ctx. Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdown.Do(func() {
		close(h.done)
		h.mu.Lock()
		channels := make([]*channel, 0, len(h.channels))
		for _, ch := range h.channels {
			channels = append(channels, ch)
		}
		h.mu.Unlock()
		for _, ch := range channels {
			ch.mu.Lock()
			for conn := range ch.members {
				conn.close()
			}
			ch.mu.Unlock()
		}
	})
	swept := make(chan struct{})
	go func() {
		h.sweeper.Wait()
		close(swept)
	}()
	select {
	case <-swept:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
