// Package device owns the clock's runtime state and runs the cooperative
// loop that advances the network and time sync state machines and redraws
// the display.
//
// All mutable state is touched only from the loop goroutine. Other
// goroutines (HTTP handlers, the MQTT bridge) submit work through Do.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chronoclock/internal/display"
	"chronoclock/internal/netmgr"
	"chronoclock/internal/settings"
	"chronoclock/internal/store"
	"chronoclock/internal/timesync"
	"chronoclock/internal/tz"
)

// DefaultTickInterval is the loop period.
const DefaultTickInterval = 20 * time.Millisecond

var (
	// ErrCountdownLocked is returned by countdown mutations while the lock
	// setting is on.
	ErrCountdownLocked = errors.New("countdown is locked")

	// ErrCountdownInactive is returned when adjusting without a target.
	ErrCountdownInactive = errors.New("no countdown running")

	// ErrStopped is returned by Do once the loop has exited.
	ErrStopped = errors.New("device loop stopped")

	errPanic = errors.New("device command panicked")
)

// ServerReporter exposes the NTP server that answered last.
type ServerReporter interface {
	LastServer() string
}

// Config wires a Device to its collaborators.
type Config struct {
	Settings *settings.Store
	Journal  store.Store // optional
	Network  *netmgr.Manager
	Sync     *timesync.Manager
	Keeper   *timesync.Timekeeper
	NTP      ServerReporter // optional
	Driver   display.Driver
	Logger   *slog.Logger

	// Now is the monotonic time source for state machine timeouts.
	// Defaults to time.Now.
	Now          func() time.Time
	TickInterval time.Duration
}

// Device is the clock.
type Device struct {
	settings *settings.Store
	journal  store.Store
	net      *netmgr.Manager
	sync     *timesync.Manager
	keeper   *timesync.Timekeeper
	ntp      ServerReporter
	driver   display.Driver
	events   *EventBus
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	cfg     settings.Settings
	loc     *time.Location
	blinker *display.Blinker
	frame   display.Frame

	lastNet  netmgr.State
	lastSync timesync.State

	commands chan func()
	done     chan struct{}
}

// New creates a device and applies the stored settings to its
// collaborators. A corrupt settings file is logged and replaced by defaults
// in memory; it does not fail construction.
func New(c Config) (*Device, error) {
	if c.Settings == nil || c.Network == nil || c.Sync == nil || c.Keeper == nil || c.Driver == nil {
		return nil, errors.New("device: missing collaborator")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		settings: c.Settings,
		journal:  c.Journal,
		net:      c.Network,
		sync:     c.Sync,
		keeper:   c.Keeper,
		ntp:      c.NTP,
		driver:   c.Driver,
		events:   NewEventBus(logger),
		logger:   logger.With("component", "device"),
		now:      c.Now,
		interval: c.TickInterval,
		blinker:  display.NewBlinker(display.BlinkInterval),
		commands: make(chan func(), 16),
		done:     make(chan struct{}),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.interval <= 0 {
		d.interval = DefaultTickInterval
	}

	cfg, err := d.settings.Load()
	if err != nil {
		d.logger.Error("load settings failed, using defaults", "err", err)
	}
	d.apply(cfg)
	return d, nil
}

// Events returns the event bus.
func (d *Device) Events() *EventBus { return d.events }

// Boot seeds the clock from the RTC, records the boot and starts the first
// connection cycle. Call once before Run.
func (d *Device) Boot() {
	if err := d.keeper.Boot(); err != nil {
		d.logger.Error("rtc boot failed", "err", err)
	}
	d.journalClock(func(st *store.ClockState) {
		st.Boots++
		st.RTCTrusted = d.keeper.Trusted()
	})
	d.net.RequestConnect(d.now())
	d.lastNet = d.net.State()
	d.events.Emit(EventNetworkState, d.lastNet)
}

// apply pushes cfg into every collaborator.
func (d *Device) apply(cfg settings.Settings) {
	d.cfg = cfg
	d.net.SetCredentials(cfg.Networks)
	d.net.SetAccessPoint(cfg.APSSID, cfg.APPassword)
	d.sync.SetServers(cfg.NTPServers()...)
	d.loc = tz.Resolve(cfg.TimeZone)
	d.applyDisplay()
}

func (d *Device) applyDisplay() {
	if err := d.driver.SetIntensity(d.cfg.Brightness); err != nil {
		d.logger.Warn("set intensity failed", "err", err)
	}
	if err := d.driver.SetOrientation(d.cfg.FlipDisplay); err != nil {
		d.logger.Warn("set orientation failed", "err", err)
	}
	// Force a reprint on the next tick.
	d.frame = display.Frame{}
}

func (d *Device) save() error {
	if err := d.settings.Save(d.cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func (d *Device) journalClock(fn func(st *store.ClockState)) {
	if d.journal == nil {
		return
	}
	err := d.journal.UpdateClockState(func(st *store.ClockState) error {
		fn(st)
		return nil
	})
	if err != nil {
		d.logger.Warn("journal clock state failed", "err", err)
	}
}

func (d *Device) journalSync(ok bool, retries int, at time.Time) {
	if d.journal == nil {
		return
	}
	rec := store.SyncRecord{At: at, OK: ok, Retries: retries}
	if ok && d.ntp != nil {
		rec.Server = d.ntp.LastServer()
	}
	if err := d.journal.AppendSync(rec); err != nil {
		d.logger.Warn("journal sync failed", "err", err)
	}
	if ok {
		d.journalClock(func(st *store.ClockState) {
			st.LastSync = at
			st.RTCTrusted = d.keeper.Trusted()
		})
	}
}
