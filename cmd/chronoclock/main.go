package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chronoclock/internal/device"
	"chronoclock/internal/display"
	"chronoclock/internal/netmgr"
	"chronoclock/internal/radio"
	"chronoclock/internal/rtc"
	"chronoclock/internal/settings"
	"chronoclock/internal/store"
	"chronoclock/internal/timesync"
	"chronoclock/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("chronoclock starting", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		logger.Error("create store dir", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	deviceID, err := db.DeviceID()
	if err != nil {
		logger.Error("read device id", "err", err)
		os.Exit(1)
	}
	logger.Info("device identity", "id", deviceID)

	settingsStore, err := settings.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Error("open settings", "err", err)
		os.Exit(1)
	}

	clock := timesync.NewSystemClock()
	keeper, closeRTC := createTimekeeper(cfg, clock, db, logger)
	defer closeRTC()

	driver, closeDriver, err := createDriver(cfg, logger)
	if err != nil {
		logger.Error("create display", "err", err)
		os.Exit(1)
	}
	defer closeDriver()

	backend, err := createRadio(cfg, logger)
	if err != nil {
		logger.Error("create radio", "err", err)
		os.Exit(1)
	}

	sntp := timesync.NewSNTP(clock, logger)
	network := netmgr.New(backend.radio, backend.portal, logger, netmgr.WithTimeouts(
		orDefault(cfg.Network.ConnectTimeout, netmgr.DefaultConnectTimeout),
		orDefault(cfg.Network.ReconnectGrace, netmgr.DefaultReconnectGrace),
		orDefault(cfg.Network.APDwell, netmgr.DefaultAPDwell),
	))
	syncer := timesync.New(keeper, sntp, logger,
		timesync.WithTimeout(orDefault(cfg.Sync.Timeout, timesync.DefaultSyncTimeout)),
		timesync.WithResyncInterval(orDefault(cfg.Sync.ResyncInterval, timesync.DefaultResyncInterval)),
	)

	dev, err := device.New(device.Config{
		Settings: settingsStore,
		Journal:  db,
		Network:  network,
		Sync:     syncer,
		Keeper:   keeper,
		NTP:      sntp,
		Driver:   driver,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("create device", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if backend.run != nil {
		go backend.run(ctx)
	}
	dev.Boot()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("device loop", "err", err)
		}
	}()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer, err := web.NewServer(dev, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(dev, deviceID.String(), cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()
	<-loopDone
	if backend.portal != nil {
		backend.portal.Stop()
	}
	backend.radio.StopAP()

	logger.Info("goodbye")
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// createTimekeeper opens the RTC when configured. A missing chip is not
// fatal; the clock then runs from the system clock and NTP alone.
func createTimekeeper(cfg *Config, clock timesync.Clock, db store.Store, logger *slog.Logger) (*timesync.Timekeeper, func()) {
	trusted := false
	if st, err := db.GetClockState(); err == nil {
		trusted = st.RTCTrusted
	} else if !store.IsNotFound(err) {
		logger.Warn("read clock state", "err", err)
	}

	if !cfg.RTC.Enabled {
		return timesync.NewTimekeeper(clock, nil, false, logger), func() {}
	}
	chip, err := rtc.Open(cfg.RTC.Bus, cfg.RTC.Addr)
	if err != nil {
		logger.Warn("rtc unavailable, continuing without", "bus", cfg.RTC.Bus, "err", err)
		return timesync.NewTimekeeper(clock, nil, false, logger), func() {}
	}
	logger.Info("rtc opened", "bus", cfg.RTC.Bus, "addr", fmt.Sprintf("0x%02x", cfg.RTC.Addr), "trusted", trusted)
	return timesync.NewTimekeeper(clock, chip, trusted, logger), func() { chip.Close() }
}

func createDriver(cfg *Config, logger *slog.Logger) (display.Driver, func(), error) {
	switch cfg.Display.Type {
	case "serial":
		logger.Info("using serial matrix display", "port", cfg.Display.Port, "baud", cfg.Display.Baud)
		m, err := display.OpenSerialMatrix(cfg.Display.Port, cfg.Display.Baud, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { closeQuietly(m, logger) }, nil
	default:
		return display.NewLogDriver(logger), func() {}, nil
	}
}

type radioBackend struct {
	radio  netmgr.Radio
	portal netmgr.Portal
	run    func(ctx context.Context)
}

func createRadio(cfg *Config, logger *slog.Logger) (radioBackend, error) {
	switch cfg.Radio.Type {
	case "wpa":
		confDir := filepath.Join(cfg.DataDir, "radio")
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			return radioBackend{}, fmt.Errorf("create radio dir: %w", err)
		}
		logger.Info("using wpa_supplicant radio", "interface", cfg.Radio.Interface)
		w := radio.NewWPA(cfg.Radio.Interface, confDir, logger)
		return radioBackend{
			radio:  w,
			portal: radio.NewDNSMasqPortal(cfg.Radio.Interface, confDir, logger),
			run:    w.Run,
		}, nil
	case "host":
		logger.Info("using host networking")
		return radioBackend{radio: radio.NewHost(logger), portal: radio.NopPortal{}}, nil
	default:
		return radioBackend{}, fmt.Errorf("unknown radio type: %q (supported: host, wpa)", cfg.Radio.Type)
	}
}

func closeQuietly(c io.Closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Debug("close", "err", err)
	}
}
