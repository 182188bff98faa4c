package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chronoclock/internal/device"
	"chronoclock/internal/display"
	"chronoclock/internal/netmgr"
	"chronoclock/internal/rtc"
	"chronoclock/internal/settings"
	"chronoclock/internal/timesync"
)

type stubRadio struct{}

func (stubRadio) Begin(string, string) error { return nil }
func (stubRadio) Disconnect() error          { return nil }
func (stubRadio) StartAP(cfg netmgr.APConfig) (netip.Addr, error) {
	return cfg.Gateway, nil
}
func (stubRadio) StopAP() error              { return nil }
func (stubRadio) OnEvent(func(netmgr.Event)) {}

type stubPortal struct{}

func (stubPortal) Start(netip.Addr) error { return nil }
func (stubPortal) Stop() error            { return nil }

type stubNTP struct{}

func (stubNTP) Begin(...string) {}

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var testWall = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

func setupTestServer(t *testing.T, apiKey string, seed func(*settings.Settings)) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	st, err := settings.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		cfg := settings.Defaults()
		seed(&cfg)
		if err := st.Save(cfg); err != nil {
			t.Fatal(err)
		}
	}

	clock := &stubClock{t: testWall}
	keeper := timesync.NewTimekeeper(clock, nil, false, logger)
	dev, err := device.New(device.Config{
		Settings: st,
		Network:  netmgr.New(stubRadio{}, stubPortal{}, logger),
		Sync:     timesync.New(keeper, stubNTP{}, logger),
		Keeper:   keeper,
		Driver:   display.NewLogDriver(logger),
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.Boot()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.Run(ctx)
	}()

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(dev, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		srv.Stop()
		cancel()
		<-done
	})
	return srv
}

func doRequest(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func TestIndexPage(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	w := doRequest(srv, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<title>chronoclock</title>") {
		t.Error("index page not served")
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}

	w = doRequest(srv, "GET", "/static/app.js", "")
	if w.Code != http.StatusOK {
		t.Errorf("static status = %d, want 200", w.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv := setupTestServer(t, "secret", nil)

	w := doRequest(srv, "GET", "/api/status", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}

	if w := doRequest(srv, "GET", "/", ""); w.Code != http.StatusOK {
		t.Errorf("index with key set: status = %d, want 200", w.Code)
	}
}

func TestGetConfigMasksPasswords(t *testing.T) {
	srv := setupTestServer(t, "", func(s *settings.Settings) {
		s.Networks[0] = settings.Credential{SSID: "Home", Password: "hunter22"}
	})

	w := doRequest(srv, "GET", "/api/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var doc struct {
		Mode      string   `json:"mode"`
		SSIDs     []string `json:"ssids"`
		Passwords []string `json:"passwords"`
	}
	decode(t, w, &doc)
	if doc.Mode != "sta" {
		t.Errorf("mode = %q, want sta", doc.Mode)
	}
	if len(doc.SSIDs) != settings.MaxNetworks || doc.SSIDs[0] != "Home" {
		t.Errorf("ssids = %v", doc.SSIDs)
	}
	if doc.Passwords[0] != settings.MaskedPassword || doc.Passwords[1] != "" {
		t.Errorf("passwords = %v", doc.Passwords)
	}
}

func TestSaveConfig(t *testing.T) {
	srv := setupTestServer(t, "", nil)

	w := doRequest(srv, "POST", "/api/config", `{"ssids":["Cafe"],"passwords":["latte123"],"timeZone":"Europe/Paris"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Reconnect bool `json:"reconnect"`
	}
	decode(t, w, &resp)
	if !resp.Reconnect {
		t.Error("reconnect = false, want true")
	}

	var st device.Status
	decode(t, doRequest(srv, "GET", "/api/status", ""), &st)
	if st.TimeZone != "Europe/Paris" {
		t.Errorf("time zone = %q", st.TimeZone)
	}
	if st.Mode != "sta" || st.SSID != "Cafe" {
		t.Errorf("mode = %q ssid = %q", st.Mode, st.SSID)
	}
}

func TestSaveConfigBadBody(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	if w := doRequest(srv, "POST", "/api/config", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	many := `{"ssids":["a","b","c","d","e","f","g","h","i","j","k"]}`
	if w := doRequest(srv, "POST", "/api/config", many); w.Code != http.StatusBadRequest {
		t.Errorf("too many networks: status = %d, want 400", w.Code)
	}
}

func TestRestoreWithoutBackup(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	w := doRequest(srv, "POST", "/api/config/restore", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestClearWiFiEntersAP(t *testing.T) {
	srv := setupTestServer(t, "", func(s *settings.Settings) {
		s.Networks[0] = settings.Credential{SSID: "Home", Password: "pw"}
	})
	if w := doRequest(srv, "POST", "/api/wifi/clear", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st device.Status
	decode(t, doRequest(srv, "GET", "/api/status", ""), &st)
	if !st.IsAP || st.Mode != "ap" {
		t.Errorf("isAP = %v mode = %q", st.IsAP, st.Mode)
	}
}

func TestBrightness(t *testing.T) {
	srv := setupTestServer(t, "", nil)

	tests := []struct {
		name   string
		body   string
		status int
		want   int
	}{
		{"in range", `{"value":9}`, http.StatusOK, 9},
		{"too high", `{"value":99}`, http.StatusOK, settings.MaxBrightness},
		{"too low", `{"value":-3}`, http.StatusOK, settings.MinBrightness},
		{"missing", `{}`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", "/api/brightness", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp map[string]int
			decode(t, w, &resp)
			if resp["brightness"] != tt.want {
				t.Errorf("brightness = %d, want %d", resp["brightness"], tt.want)
			}
		})
	}
}

func TestCountdownFlow(t *testing.T) {
	srv := setupTestServer(t, "", nil)

	if w := doRequest(srv, "POST", "/api/countdown/adjust", `{"seconds":60}`); w.Code != http.StatusConflict {
		t.Errorf("adjust in clock mode: status = %d, want 409", w.Code)
	}

	w := doRequest(srv, "POST", "/api/countdown", `{"dateTime":"2025-03-01 10:00:00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set countdown: status = %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]int64
	decode(t, w, &resp)
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).Unix()
	if resp["target"] != want {
		t.Errorf("target = %d, want %d", resp["target"], want)
	}

	w = doRequest(srv, "POST", "/api/countdown/adjust", `{"seconds":-120}`)
	if w.Code != http.StatusOK {
		t.Fatalf("adjust: status = %d", w.Code)
	}
	decode(t, w, &resp)
	if resp["target"] != want-120 {
		t.Errorf("adjusted target = %d, want %d", resp["target"], want-120)
	}

	if w := doRequest(srv, "POST", "/api/countdown/stop", ""); w.Code != http.StatusOK {
		t.Errorf("stop: status = %d", w.Code)
	}

	w = doRequest(srv, "POST", "/api/countdown/start", "")
	decode(t, w, &resp)
	if resp["target"] != testWall.Unix() {
		t.Errorf("count-up target = %d, want %d", resp["target"], testWall.Unix())
	}
}

func TestCountdownInvalidInput(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	for _, body := range []string{`{"dateTime":"2025-03-01"}`, `{}`, `[]`} {
		if w := doRequest(srv, "POST", "/api/countdown", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
	if w := doRequest(srv, "POST", "/api/countdown/adjust", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("adjust without seconds: status = %d, want 400", w.Code)
	}
}

func TestCountdownLocked(t *testing.T) {
	srv := setupTestServer(t, "", func(s *settings.Settings) {
		s.CountdownLocked = true
		s.CountdownTarget = testWall.Unix() + 600
	})
	for _, path := range []string{"/api/countdown/start", "/api/countdown/stop"} {
		if w := doRequest(srv, "POST", path, ""); w.Code != http.StatusConflict {
			t.Errorf("%s: status = %d, want 409", path, w.Code)
		}
	}
}

func TestTimeEndpoints(t *testing.T) {
	srv := setupTestServer(t, "", func(s *settings.Settings) { s.TimeZone = "Asia/Tokyo" })

	var got map[string]string
	decode(t, doRequest(srv, "GET", "/api/time", ""), &got)
	if got["time"] != "2025-03-01 18:30:00" || got["zone"] != "Asia/Tokyo" {
		t.Errorf("time = %v", got)
	}

	w := doRequest(srv, "POST", "/api/time", `{"dateTime":"2025-06-01T12:00:00"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set time: status = %d", w.Code)
	}
	decode(t, w, &got)
	if got["time"] != "2025-06-01 12:00:00" {
		t.Errorf("time after set = %q", got["time"])
	}

	if w := doRequest(srv, "POST", "/api/time", `{"dateTime":"2025-99-01 12:00:00"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad time: status = %d, want 400", w.Code)
	}
}

func TestNtpSyncInAPMode(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	w := doRequest(srv, "POST", "/api/ntp/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]bool
	decode(t, w, &resp)
	if resp["started"] {
		t.Error("sync started without network")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := setupTestServer(t, "", nil)
	srv.allowedOrigins = []string{"http://clock.local"}

	req := httptest.NewRequest("OPTIONS", "/api/brightness", nil)
	req.Header.Set("Origin", "http://clock.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("allowed preflight: status = %d, want 204", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/brightness", strings.NewReader(`{"value":3}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status = %d, want 403", w.Code)
	}
}

func TestSyncHistoryWithoutJournal(t *testing.T) {
	srv := setupTestServer(t, "", nil)

	w := doRequest(srv, "GET", "/api/ntp/history?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}

	if w := doRequest(srv, "GET", "/api/ntp/history?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}
}

func TestDoStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("adjust rtc: %w", fmt.Errorf("year 1999: %w", rtc.ErrOutOfRange)), http.StatusBadRequest},
		{device.ErrCountdownLocked, http.StatusConflict},
		{device.ErrCountdownInactive, http.StatusConflict},
		{device.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := doStatus(tt.err); got != tt.want {
			t.Errorf("doStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
