package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, broadcast deliveries, session lifecycle events, and voice
// synthesis outcomes. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for subscriber and channel tracking.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	broadcastCount    map[string]uint64
	broadcastClients  map[string]uint64
	sessionEvents     map[string]uint64
	synthesisOutcomes map[string]uint64
	activeSubscribers atomic.Int64
	activeChannels    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:      make(map[requestLabel]uint64),
		requestDuration:   make(map[requestLabel]time.Duration),
		broadcastCount:    make(map[string]uint64),
		broadcastClients:  make(map[string]uint64),
		sessionEvents:     make(map[string]uint64),
		synthesisOutcomes: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveBroadcast records one broadcast of the named event type along with
// the number of subscribers it reached.
func (r *Recorder) ObserveBroadcast(event string, delivered int) {
	if event == "" {
		event = "unknown"
	}
	r.mu.Lock()
	r.broadcastCount[event]++
	if delivered > 0 {
		r.broadcastClients[event] += uint64(delivered)
	}
	r.mu.Unlock()
}

// ObserveSessionEvent counts session lifecycle transitions such as "created",
// "expired", "revoked", or "rejected".
func (r *Recorder) ObserveSessionEvent(event string) {
	if event == "" {
		return
	}
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// ObserveSynthesis counts voice synthesis attempts by outcome ("ok",
// "error", "throttled").
func (r *Recorder) ObserveSynthesis(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	r.mu.Lock()
	r.synthesisOutcomes[outcome]++
	r.mu.Unlock()
}

// SubscriberConnected increments the active subscriber gauge.
func (r *Recorder) SubscriberConnected() {
	r.activeSubscribers.Add(1)
}

// SubscriberDisconnected decrements the active subscriber gauge without going
// below zero.
func (r *Recorder) SubscriberDisconnected() {
	if r.activeSubscribers.Add(-1) < 0 {
		r.activeSubscribers.Store(0)
	}
}

// SetActiveChannels records the current number of channels with at least one
// registered subscriber.
func (r *Recorder) SetActiveChannels(count int) {
	if count < 0 {
		count = 0
	}
	r.activeChannels.Store(int64(count))
}

// ActiveSubscribers returns the current subscriber gauge value.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeSubscribers.Load()
}

// Handler exposes the recorder in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders every counter and gauge in the Prometheus text exposition
// format with stable ordering.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	broadcastEvents := sortedKeys(r.broadcastCount)
	sessionEvents := sortedKeys(r.sessionEvents)
	synthesisOutcomes := sortedKeys(r.synthesisOutcomes)

	fmt.Fprintln(w, "# HELP callsystem_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE callsystem_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "callsystem_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP callsystem_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE callsystem_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "callsystem_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP callsystem_broadcasts_total Broadcast operations by event type")
	fmt.Fprintln(w, "# TYPE callsystem_broadcasts_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "callsystem_broadcasts_total{event=%q} %d\n", event, r.broadcastCount[event])
	}

	fmt.Fprintln(w, "# HELP callsystem_broadcast_deliveries_total Subscriber deliveries by event type")
	fmt.Fprintln(w, "# TYPE callsystem_broadcast_deliveries_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "callsystem_broadcast_deliveries_total{event=%q} %d\n", event, r.broadcastClients[event])
	}

	fmt.Fprintln(w, "# HELP callsystem_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE callsystem_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "callsystem_session_events_total{event=%q} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP callsystem_synthesis_total Voice synthesis attempts by outcome")
	fmt.Fprintln(w, "# TYPE callsystem_synthesis_total counter")
	for _, outcome := range synthesisOutcomes {
		fmt.Fprintf(w, "callsystem_synthesis_total{outcome=%q} %d\n", outcome, r.synthesisOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP callsystem_active_subscribers Current number of attached event stream subscribers")
	fmt.Fprintln(w, "# TYPE callsystem_active_subscribers gauge")
	fmt.Fprintf(w, "callsystem_active_subscribers %d\n", r.activeSubscribers.Load())

	fmt.Fprintln(w, "# HELP callsystem_active_channels Current number of channels with registered subscribers")
	fmt.Fprintln(w, "# TYPE callsystem_active_channels gauge")
	fmt.Fprintf(w, "callsystem_active_channels %d\n", r.activeChannels.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}
