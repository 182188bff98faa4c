package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chronoclock/internal/rtc"
)

// Config is the daemon configuration read from config.yaml. User-facing
// settings (Wi-Fi, time zone, brightness, countdown) live in the settings
// file under DataDir instead.
type Config struct {
	DataDir string `yaml:"data_dir"`
	Web     struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Display struct {
		Type string `yaml:"type"` // "log" or "serial"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"display"`
	RTC struct {
		Enabled bool   `yaml:"enabled"`
		Bus     string `yaml:"bus"`
		Addr    uint16 `yaml:"addr"`
	} `yaml:"rtc"`
	Radio struct {
		Type      string `yaml:"type"` // "host" or "wpa"
		Interface string `yaml:"interface"`
	} `yaml:"radio"`
	Network struct {
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		ReconnectGrace time.Duration `yaml:"reconnect_grace"`
		APDwell        time.Duration `yaml:"ap_dwell"`
	} `yaml:"network"`
	Sync struct {
		Timeout        time.Duration `yaml:"timeout"`
		ResyncInterval time.Duration `yaml:"resync_interval"`
	} `yaml:"sync"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Name        string `yaml:"name"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Display.Type {
	case "log":
	case "serial":
		if c.Display.Port == "" {
			return fmt.Errorf("display.port is required for serial display")
		}
	default:
		return fmt.Errorf("unknown display.type %q (supported: log, serial)", c.Display.Type)
	}
	switch c.Radio.Type {
	case "host":
	case "wpa":
		if c.Radio.Interface == "" {
			return fmt.Errorf("radio.interface is required for wpa radio")
		}
	default:
		return fmt.Errorf("unknown radio.type %q (supported: host, wpa)", c.Radio.Type)
	}
	if c.RTC.Enabled && (c.RTC.Addr < 0x08 || c.RTC.Addr > 0x77) {
		return fmt.Errorf("rtc.addr must be a 7-bit address, got 0x%02x", c.RTC.Addr)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for name, d := range map[string]time.Duration{
		"network.connect_timeout": c.Network.ConnectTimeout,
		"network.reconnect_grace": c.Network.ReconnectGrace,
		"network.ap_dwell":        c.Network.APDwell,
		"sync.timeout":            c.Sync.Timeout,
		"sync.resync_interval":    c.Sync.ResyncInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Display.Type == "" {
		cfg.Display.Type = "log"
	}
	if cfg.Display.Baud == 0 {
		cfg.Display.Baud = 115200
	}
	if cfg.RTC.Addr == 0 {
		cfg.RTC.Addr = rtc.DefaultAddr
	}
	if cfg.Radio.Type == "" {
		cfg.Radio.Type = "host"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "state.db")
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "chronoclock"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
