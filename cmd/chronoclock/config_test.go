package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "data_dir: /tmp/clock\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Display.Type != "log" || cfg.Display.Baud != 115200 {
		t.Errorf("display = %+v", cfg.Display)
	}
	if cfg.Radio.Type != "host" {
		t.Errorf("radio = %q", cfg.Radio.Type)
	}
	if cfg.RTC.Addr != 0x68 {
		t.Errorf("rtc addr = 0x%02x", cfg.RTC.Addr)
	}
	if cfg.Store.Path != filepath.Join("/tmp/clock", "state.db") {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.MQTT.TopicPrefix != "chronoclock" || cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("mqtt/log defaults = %q %q %q", cfg.MQTT.TopicPrefix, cfg.Log.Level, cfg.Log.Format)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
network:
  connect_timeout: 15s
  ap_dwell: 2m
sync:
  resync_interval: 30m
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Network.ConnectTimeout != 15*time.Second || cfg.Network.APDwell != 2*time.Minute {
		t.Errorf("network = %+v", cfg.Network)
	}
	if cfg.Sync.ResyncInterval != 30*time.Minute {
		t.Errorf("resync = %v", cfg.Sync.ResyncInterval)
	}
	if got := orDefault(cfg.Network.ReconnectGrace, 10*time.Second); got != 10*time.Second {
		t.Errorf("orDefault = %v", got)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := loadConfig(writeConfig(t, "web: [unterminated")); err == nil {
		t.Error("bad yaml: expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"serial without port", "display:\n  type: serial\n", "display.port"},
		{"unknown display", "display:\n  type: oled\n", "display.type"},
		{"wpa without interface", "radio:\n  type: wpa\n", "radio.interface"},
		{"unknown radio", "radio:\n  type: lte\n", "radio.type"},
		{"rtc bad addr", "rtc:\n  enabled: true\n  addr: 0x90\n", "rtc.addr"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"negative duration", "sync:\n  timeout: -1s\n", "sync.timeout"},
		{"serial ok", "display:\n  type: serial\n  port: /dev/ttyUSB0\n", ""},
		{"wpa ok", "radio:\n  type: wpa\n  interface: wlan0\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
