package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chronoclock/internal/device"
	"chronoclock/internal/settings"
	"chronoclock/internal/store"
)

const maxBodyBytes = 1 << 16

// decodeBody reads a JSON body into v, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeDeviceError reports a failed device command.
func (s *Server) writeDeviceError(w http.ResponseWriter, op string, err error) {
	status := doStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAPIGetConfig(w http.ResponseWriter, r *http.Request) {
	var (
		cfg  settings.Settings
		mode string
	)
	err := s.do(r, func(d *device.Device) error {
		cfg = d.Settings().Masked()
		mode = d.Mode()
		return nil
	})
	if err != nil {
		s.writeDeviceError(w, "get config", err)
		return
	}

	// Same keys as the settings file, plus the current radio mode.
	raw, err := json.Marshal(cfg)
	if err != nil {
		s.writeDeviceError(w, "marshal config", err)
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.writeDeviceError(w, "marshal config", err)
		return
	}
	doc["mode"] = mode
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleAPISaveConfig(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if !s.decodeBody(w, r, &u) {
		return
	}
	if len(u.SSIDs) > settings.MaxNetworks || len(u.Passwords) > settings.MaxNetworks {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many networks"})
		return
	}

	var ch settings.Changes
	err := s.do(r, func(d *device.Device) error {
		var err error
		ch, err = d.UpdateSettings(u)
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "save config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"message":   "saved",
		"reconnect": ch.Networks,
	})
}

func (s *Server) handleAPIRestore(w http.ResponseWriter, r *http.Request) {
	err := s.do(r, func(d *device.Device) error { return d.RestoreBackup() })
	if errors.Is(err, settings.ErrNoBackup) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no backup found"})
		return
	}
	if err != nil {
		s.writeDeviceError(w, "restore config", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "backup restored"})
}

func (s *Server) handleAPIClearWiFi(w http.ResponseWriter, r *http.Request) {
	if err := s.do(r, func(d *device.Device) error { return d.ClearWiFi() }); err != nil {
		s.writeDeviceError(w, "clear wifi", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "wifi credentials cleared"})
}

func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	err := s.do(r, func(d *device.Device) error {
		d.RequestConnect()
		return nil
	})
	if err != nil {
		s.writeDeviceError(w, "request connect", err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	var st device.Status
	err := s.do(r, func(d *device.Device) error {
		st = d.Status()
		return nil
	})
	if err != nil {
		s.writeDeviceError(w, "status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type brightnessRequest struct {
	Value *int `json:"value"`
}

func (s *Server) handleAPIBrightness(w http.ResponseWriter, r *http.Request) {
	var req brightnessRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing value"})
		return
	}
	var applied int
	err := s.do(r, func(d *device.Device) error {
		err := d.SetBrightness(*req.Value)
		applied = d.Settings().Brightness
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "set brightness", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"brightness": applied})
}

type flipRequest struct {
	Value bool `json:"value"`
}

func (s *Server) handleAPIFlip(w http.ResponseWriter, r *http.Request) {
	var req flipRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.do(r, func(d *device.Device) error { return d.SetFlip(req.Value) }); err != nil {
		s.writeDeviceError(w, "set flip", err)
		return
	}
	s.writeOK(w)
}

type dateTimeRequest struct {
	DateTime string `json:"dateTime"`
}

// validDateTime checks the shape of a CountdownLayout value.
func validDateTime(v string) bool {
	return len(v) == len(device.CountdownLayout)
}

func (s *Server) handleAPISetCountdown(w http.ResponseWriter, r *http.Request) {
	var req dateTimeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !validDateTime(req.DateTime) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid datetime"})
		return
	}
	var target int64
	err := s.do(r, func(d *device.Device) error {
		err := d.SetCountdownFromLocal(req.DateTime)
		target = d.CountdownTarget()
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "set countdown", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"target": target})
}

func (s *Server) handleAPIStartCountup(w http.ResponseWriter, r *http.Request) {
	var target int64
	err := s.do(r, func(d *device.Device) error {
		err := d.StartCountup()
		target = d.CountdownTarget()
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "start countup", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"target": target})
}

func (s *Server) handleAPIStopCountdown(w http.ResponseWriter, r *http.Request) {
	if err := s.do(r, func(d *device.Device) error { return d.ClearCountdownTarget() }); err != nil {
		s.writeDeviceError(w, "stop countdown", err)
		return
	}
	s.writeOK(w)
}

type adjustRequest struct {
	Seconds *int64 `json:"seconds"`
}

func (s *Server) handleAPIAdjustCountdown(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Seconds == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing seconds"})
		return
	}
	var target int64
	err := s.do(r, func(d *device.Device) error {
		err := d.AdjustCountdownTarget(*req.Seconds)
		target = d.CountdownTarget()
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "adjust countdown", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"target": target})
}

func (s *Server) handleAPIGetTime(w http.ResponseWriter, r *http.Request) {
	var now time.Time
	err := s.do(r, func(d *device.Device) error {
		now = d.Now()
		return nil
	})
	if err != nil {
		s.writeDeviceError(w, "get time", err)
		return
	}
	s.writeTime(w, now)
}

func (s *Server) handleAPISetTime(w http.ResponseWriter, r *http.Request) {
	var req dateTimeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !validDateTime(req.DateTime) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid datetime"})
		return
	}

	var now time.Time
	errParse := errors.New("unparseable datetime")
	err := s.do(r, func(d *device.Device) error {
		value := strings.Replace(req.DateTime, "T", " ", 1)
		t, err := time.ParseInLocation(device.CountdownLayout, value, d.Location())
		if err != nil {
			return errParse
		}
		if err := d.SetTime(t); err != nil {
			return err
		}
		now = d.Now()
		return nil
	})
	if errors.Is(err, errParse) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid datetime"})
		return
	}
	if err != nil {
		s.writeDeviceError(w, "set time", err)
		return
	}
	s.writeTime(w, now)
}

func (s *Server) writeTime(w http.ResponseWriter, t time.Time) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"time": t.Format(device.CountdownLayout),
		"zone": t.Location().String(),
	})
}

func (s *Server) handleAPINtpSync(w http.ResponseWriter, r *http.Request) {
	var started bool
	err := s.do(r, func(d *device.Device) error {
		started = d.RequestNtpSync()
		return nil
	})
	if err != nil {
		s.writeDeviceError(w, "ntp sync", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "started": started})
}

func (s *Server) handleAPISyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	var recs []store.SyncRecord
	err := s.do(r, func(d *device.Device) error {
		var err error
		recs, err = d.SyncHistory(limit)
		return err
	})
	if err != nil {
		s.writeDeviceError(w, "sync history", err)
		return
	}
	if recs == nil {
		recs = []store.SyncRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
