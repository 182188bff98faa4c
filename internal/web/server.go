// Package web serves the clock's settings page, its JSON API and a
// websocket stream of device events.
package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chronoclock/internal/device"
	"chronoclock/internal/rtc"
)

//go:embed static/*
var staticFS embed.FS

// DefaultRequestTimeout bounds how long a handler waits on the device loop.
const DefaultRequestTimeout = 5 * time.Second

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = d
	}
}

// Server is the HTTP front end of the clock.
type Server struct {
	dev            *device.Device
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	static         fs.FS
	apiKey         string
	allowedOrigins []string
	version        string
	timeout        time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts streaming device events to
// websocket clients. Call Stop when done.
func NewServer(dev *device.Device, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, err
	}
	s := &Server{
		dev:     dev,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		static:  static,
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Frames are skipped; the page renders the clock from status.
	s.unsubEvents = dev.Events().Subscribe(func(ev device.Event) {
		s.wsHub.Broadcast(ev)
	}, device.EventNetworkState, device.EventSyncState, device.EventCountdown,
		device.EventSettings, device.EventTimeSet)

	s.routes()
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.static))))
	s.mux.HandleFunc("GET /{$}", s.handleIndex)

	s.mux.HandleFunc("GET /api/config", s.handleAPIGetConfig)
	s.mux.HandleFunc("POST /api/config", s.handleAPISaveConfig)
	s.mux.HandleFunc("POST /api/config/restore", s.handleAPIRestore)
	s.mux.HandleFunc("POST /api/wifi/clear", s.handleAPIClearWiFi)
	s.mux.HandleFunc("POST /api/wifi/connect", s.handleAPIConnect)
	s.mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	s.mux.HandleFunc("POST /api/brightness", s.handleAPIBrightness)
	s.mux.HandleFunc("POST /api/flip", s.handleAPIFlip)
	s.mux.HandleFunc("POST /api/countdown", s.handleAPISetCountdown)
	s.mux.HandleFunc("POST /api/countdown/start", s.handleAPIStartCountup)
	s.mux.HandleFunc("POST /api/countdown/stop", s.handleAPIStopCountdown)
	s.mux.HandleFunc("POST /api/countdown/adjust", s.handleAPIAdjustCountdown)
	s.mux.HandleFunc("GET /api/time", s.handleAPIGetTime)
	s.mux.HandleFunc("POST /api/time", s.handleAPISetTime)
	s.mux.HandleFunc("POST /api/ntp/sync", s.handleAPINtpSync)
	s.mux.HandleFunc("GET /api/ntp/history", s.handleAPISyncHistory)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The page and the websocket stay open: browsers cannot attach
	// custom headers to navigation or WS upgrades.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(s.static, "index.html")
	if err != nil {
		s.logger.Error("read index page", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("write index response", "err", err)
	}
}

// do runs fn on the device loop with the request's deadline.
func (s *Server) do(r *http.Request, fn func(d *device.Device) error) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	return s.dev.Do(ctx, fn)
}

// doStatus maps device errors onto HTTP status codes.
func doStatus(err error) int {
	switch {
	case errors.Is(err, rtc.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrCountdownLocked), errors.Is(err, device.ErrCountdownInactive):
		return http.StatusConflict
	case errors.Is(err, device.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
