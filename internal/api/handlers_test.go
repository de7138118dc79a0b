package api

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

	"github.com/YutoMise/call-system/internal/auth"
	"github.com/YutoMise/call-system/internal/observability/metrics"
	"github.com/YutoMise/call-system/internal/sse"
	"github.com/YutoMise/call-system/internal/storage"
	"github.com/YutoMise/call-system/internal/voicevox"
)

func newTestHandler(t *testing.T) *Handler {
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
	return NewHandler(channels, settings, credentials, sessions, hub, voice, logger, recorder)
}

func postJSON(handler http.HandlerFunc, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func getWithCookies(handler http.HandlerFunc, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	t.Fatalf("response carries no %s cookie", name)
	return nil
}

func subscribe(t *testing.T, h *Handler, channel, password string) *http.Cookie {
	t.Helper()
	rec := postJSON(h.HandleSubscribe, "/api/subscribe", `{"channelName":"`+channel+`","password":"`+password+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribe returned %d: %s", rec.Code, rec.Body.String())
	}
	return cookieByName(t, rec, SubscriberCookieName)
}

func adminLogin(t *testing.T, h *Handler) *http.Cookie {
	t.Helper()
	rec := postJSON(h.HandleAdminLogin, "/admin/login", `{"username":"admin","password":"password"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin login returned %d: %s", rec.Code, rec.Body.String())
	}
	return cookieByName(t, rec, AdminCookieName)
}

func TestSubscribeIssuesSessionCookie(t *testing.T) {
	h := newTestHandler(t)

	cookie := subscribe(t, h, "lobby", "open-sesame")
	if len(cookie.Value) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(cookie.Value))
	}
	if !cookie.HttpOnly {
		t.Fatal("expected HttpOnly cookie")
	}

	rec := postJSON(h.HandleSubscribe, "/api/subscribe", `{"channelName":"lobby","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == SubscriberCookieName {
			t.Fatal("expected no session cookie on failed login")
		}
	}

	rec = postJSON(h.HandleSubscribe, "/api/subscribe", `{"channelName":"lobby"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rec.Code)
	}

	// Unknown channel and bad password are indistinguishable.
	rec = postJSON(h.HandleSubscribe, "/api/subscribe", `{"channelName":"ghost","password":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown channel, got %d", rec.Code)
	}
}

func TestAdminLoginLogoutAndAuthStatus(t *testing.T) {
	h := newTestHandler(t)

	rec := getWithCookies(h.HandleAuthStatus, "/admin/api/auth-status")
	if rec.Code != http.StatusOK {
		t.Fatalf("auth-status returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"isAuthenticated":false`) {
		t.Fatalf("expected unauthenticated, got %s", rec.Body.String())
	}

	cookie := adminLogin(t, h)

	rec = getWithCookies(h.HandleAuthStatus, "/admin/api/auth-status", cookie)
	if !strings.Contains(rec.Body.String(), `"isAuthenticated":true`) {
		t.Fatalf("expected authenticated, got %s", rec.Body.String())
	}

	rec = postJSON(h.HandleAdminLogout, "/admin/logout", `{}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout returned %d", rec.Code)
	}

	rec = getWithCookies(h.HandleAuthStatus, "/admin/api/auth-status", cookie)
	if !strings.Contains(rec.Body.String(), `"isAuthenticated":false`) {
		t.Fatalf("expected revoked session unauthenticated, got %s", rec.Body.String())
	}

	rec = postJSON(h.HandleAdminLogin, "/admin/login", `{"username":"admin","password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad admin password, got %d", rec.Code)
	}
}

func startEventStream(t *testing.T, h *Handler, cookie *http.Cookie) (*httptest.ResponseRecorder, func() string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		h.HandleEvents(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.Hub.SubscriberCount("lobby") == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return rec, func() string {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("event stream did not end")
		}
		return rec.Body.String()
	}
}

func TestAnnounceDeliversToSubscribers(t *testing.T) {
	h := newTestHandler(t)

	subCookie := subscribe(t, h, "lobby", "open-sesame")
	_, finish := startEventStream(t, h, subCookie)

	adminCookie := adminLogin(t, h)
	rec := postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","ticketNumber":"42","roomNumber":"3"}`, adminCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("announce returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Delivered int `json:"delivered"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode announce response: %v", err)
	}
	if resp.Delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", resp.Delivered)
	}

	body := finish()
	if !strings.Contains(body, "event: connected\n") {
		t.Fatalf("expected connected frame, got:\n%s", body)
	}
	if !strings.Contains(body, `event: play-announcement`) || !strings.Contains(body, `"ticketNumber":"42"`) {
		t.Fatalf("expected announcement frame, got:\n%s", body)
	}
}

func TestAnnounceCarriesNormalizedSpeechText(t *testing.T) {
	h := newTestHandler(t)

	subCookie := subscribe(t, h, "lobby", "open-sesame")
	_, finish := startEventStream(t, h, subCookie)

	adminCookie := adminLogin(t, h)
	// Full-width digits from the operator panel fold to half-width in the
	// broadcast phrase.
	rec := postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","ticketNumber":"４２","roomNumber":"３"}`, adminCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("announce returned %d: %s", rec.Code, rec.Body.String())
	}

	body := finish()
	want := `"speechText":"整理券番号 42 番のかた、 3 番診察室にお越しください。"`
	if !strings.Contains(body, want) {
		t.Fatalf("expected %s in stream, got:\n%s", want, body)
	}
}

func TestAnnounceAuthPolicy(t *testing.T) {
	h := newTestHandler(t)

	// No admin session and no password.
	rec := postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","ticketNumber":"1","roomNumber":"2"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}

	// Legacy panels re-send the channel password in the body.
	rec = postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","password":"open-sesame","ticketNumber":"1","roomNumber":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with channel password, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","password":"wrong","ticketNumber":"1","roomNumber":"2"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", rec.Code)
	}

	adminCookie := adminLogin(t, h)
	rec = postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"ghost","ticketNumber":"1","roomNumber":"2"}`, adminCookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", rec.Code)
	}

	rec = postJSON(h.HandleAnnounce, "/api/announce",
		`{"channelName":"lobby","ticketNumber":"1"}`, adminCookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing roomNumber, got %d", rec.Code)
	}
}

func TestEventsRequiresSubscriberSession(t *testing.T) {
	h := newTestHandler(t)

	rec := getWithCookies(h.HandleEvents, "/events")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", rec.Code)
	}

	// An admin token never opens a subscriber stream.
	adminCookie := adminLogin(t, h)
	rec = getWithCookies(h.HandleEvents, "/events", &http.Cookie{Name: SubscriberCookieName, Value: adminCookie.Value})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for admin token, got %d", rec.Code)
	}
}

func TestUnsubscribeRevokesSession(t *testing.T) {
	h := newTestHandler(t)
	cookie := subscribe(t, h, "lobby", "open-sesame")

	rec := postJSON(h.HandleUnsubscribe, "/api/unsubscribe", `{}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsubscribe returned %d", rec.Code)
	}

	rec = getWithCookies(h.HandleEvents, "/events", cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after unsubscribe, got %d", rec.Code)
	}

	// Unsubscribing again still succeeds.
	rec = postJSON(h.HandleUnsubscribe, "/api/unsubscribe", `{}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat unsubscribe returned %d", rec.Code)
	}
}

func TestChannelsListAndCreate(t *testing.T) {
	h := newTestHandler(t)

	rec := getWithCookies(h.HandleChannels, "/api/channels")
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var names []string
	if err := json.Unmarshal(rec.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode channel list: %v", err)
	}
	if len(names) != 1 || names[0] != "lobby" {
		t.Fatalf("unexpected roster %v", names)
	}

	rec = postJSON(h.HandleChannels, "/api/channels", `{"channelName":"clinic","password":"pw"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin session, got %d", rec.Code)
	}

	adminCookie := adminLogin(t, h)
	rec = postJSON(h.HandleChannels, "/api/channels", `{"channelName":"clinic","password":"pw"}`, adminCookie)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(h.HandleChannels, "/api/channels", `{"channelName":"clinic","password":"pw"}`, adminCookie)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}

	// The new channel accepts subscribers right away.
	subscribe(t, h, "clinic", "pw")
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	rec := getWithCookies(h.HandleHealth, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}
