package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/YutoMise/call-system/internal/api"
	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/observability/metrics"
	"github.com/YutoMise/call-system/internal/sse"
	"github.com/YutoMise/call-system/internal/storage"
	"github.com/YutoMise/call-system/internal/voicevox"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	dir := t.TempDir()

	channels, err := storage.NewChannelStore(filepath.Join(dir, "channels.json"))
	if err != nil {
		t.Fatalf("NewChannelStore: %v", err)
	}
	settings, err := storage.NewSettingsStore(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	credentials := auth.NewCredentials(channels, "password")
	if err := credentials.AddChannel("lobby", "open-sesame"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	sessions := auth.NewSessionManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()
	hub := sse.NewHub(sse.HubConfig{
		Sessions:          sessions,
		Logger:            logger,
		Recorder:          recorder,
		KeepaliveInterval: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	voice := voicevox.NewClient(voicevox.Config{BaseURL: "http://127.0.0.1:0"})
	handler := api.NewHandler(channels, settings, credentials, sessions, hub, voice, logger, recorder)

	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = recorder
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestServerRoutesAPIEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.HTTPServer().Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/channels status = %d, want 200", rec.Code)
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode channel list: %v", err)
	}
	if len(names) != 1 || names[0] != "lobby" {
		t.Fatalf("channel list = %v, want [lobby]", names)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/auth-status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /admin/api/auth-status status = %d, want 200", rec.Code)
	}
	var authStatus struct {
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &authStatus); err != nil {
		t.Fatalf("decode auth status: %v", err)
	}
	if authStatus.IsAuthenticated {
		t.Fatal("expected unauthenticated status without a session cookie")
	}
}

func TestServerSetsSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.HTTPServer().Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got == "" {
		t.Fatal("expected X-Frame-Options header")
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'self'") {
		t.Fatalf("Content-Security-Policy = %q, want default-src 'self'", csp)
	}
	if !strings.Contains(csp, "media-src") {
		t.Fatalf("Content-Security-Policy = %q, want media-src directive", csp)
	}
	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatal("expected X-Request-Id header")
	}
}

func TestServerServesEmbeddedPages(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.HTTPServer().Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("index Content-Type = %q, want text/html", ct)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/receiver.html", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /receiver.html status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "receiver.js") {
		t.Fatal("receiver page should reference its script")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/js/index.js", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /static/js/index.js status = %d, want 200", rec.Code)
	}

	// Unknown paths fall back to the operator page.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no-such-page", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /no-such-page status = %d, want 200 index fallback", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("fallback Content-Type = %q, want text/html", ct)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE / status = %d, want 405", rec.Code)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.HTTPServer().Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("warmup request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "callsystem_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestServerLimitsCredentialAttempts(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{
			GlobalRPS:   1000,
			GlobalBurst: 1000,
			LoginLimit:  2,
			LoginWindow: time.Minute,
		},
	})
	handler := srv.HTTPServer().Handler

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "203.0.113.7:41000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := login(); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}
	rec := login()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled attempt")
	}

	// Reads stay unthrottled for the same client.
	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.RemoteAddr = "203.0.113.7:41001"
	readRec := httptest.NewRecorder()
	handler.ServeHTTP(readRec, req)
	if readRec.Code != http.StatusOK {
		t.Fatalf("GET /api/channels after throttle status = %d, want 200", readRec.Code)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{
			GlobalRPS:   0.001,
			GlobalBurst: 1,
		},
	})
	handler := srv.HTTPServer().Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestServerRejectsDisallowedOrigin(t *testing.T) {
	srv := newTestServer(t, Config{
		CORS: CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}},
	})
	handler := srv.HTTPServer().Handler

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed origin status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed origin status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServerAnnounceReachesEventStream(t *testing.T) {
	srv := newTestServer(t, Config{})
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	client := ts.Client()

	subRes, err := client.Post(ts.URL+"/api/subscribe", "application/json",
		strings.NewReader(`{"channelName":"lobby","password":"open-sesame"}`))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subRes.Body.Close()
	if subRes.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status = %d, want 200", subRes.StatusCode)
	}
	var sessionCookie *http.Cookie
	for _, c := range subRes.Cookies() {
		if c.Name == api.SubscriberCookieName {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("subscribe did not set a session cookie")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new stream request: %v", err)
	}
	streamReq.AddCookie(sessionCookie)
	streamRes, err := client.Do(streamReq)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	defer streamRes.Body.Close()
	if streamRes.StatusCode != http.StatusOK {
		t.Fatalf("event stream status = %d, want 200", streamRes.StatusCode)
	}

	frames := make(chan string, 4)
	go func() {
		buf := make([]byte, 4096)
		var pending strings.Builder
		for {
			n, readErr := streamRes.Body.Read(buf)
			if n > 0 {
				pending.Write(buf[:n])
				for {
					text := pending.String()
					idx := strings.Index(text, "\n\n")
					if idx < 0 {
						break
					}
					frames <- text[:idx+2]
					pending.Reset()
					pending.WriteString(text[idx+2:])
				}
			}
			if readErr != nil {
				close(frames)
				return
			}
		}
	}()

	select {
	case frame := <-frames:
		if !strings.Contains(frame, "event: connected") {
			t.Fatalf("first frame = %q, want connected event", frame)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for connected event")
	}

	annRes, err := client.Post(ts.URL+"/api/announce", "application/json",
		strings.NewReader(`{"channelName":"lobby","password":"open-sesame","ticketNumber":"42","roomNumber":"3"}`))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	defer annRes.Body.Close()
	if annRes.StatusCode != http.StatusOK {
		t.Fatalf("announce status = %d, want 200", annRes.StatusCode)
	}

	select {
	case frame := <-frames:
		if !strings.Contains(frame, "event: play-announcement") {
			t.Fatalf("frame = %q, want play-announcement event", frame)
		}
		if !strings.Contains(frame, `"ticketNumber":"42"`) {
			t.Fatalf("frame = %q, want ticket number payload", frame)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for play-announcement event")
	}
}
