package device

import (
	"fmt"
	"strings"
	"time"

	"chronoclock/internal/settings"
	"chronoclock/internal/store"
	"chronoclock/internal/tz"
)

// CountdownLayout is the accepted countdown input, in the device's zone.
// A 'T' separator is accepted in place of the space.
const CountdownLayout = "2006-01-02 15:04:05"

// The methods below are not safe for concurrent use; call them from the
// loop goroutine, normally through Do.

// Mode returns "ap" or "sta".
func (d *Device) Mode() string { return d.net.Mode() }

// Settings returns the in-memory settings, unmasked.
func (d *Device) Settings() settings.Settings { return d.cfg }

// Location returns the configured time zone.
func (d *Device) Location() *time.Location { return d.loc }

// Now returns the best wall time in the configured zone.
func (d *Device) Now() time.Time { return d.keeper.Now().In(d.loc) }

// RequestConnect restarts the connection cycle from the first credential.
func (d *Device) RequestConnect() {
	d.net.RequestConnect(d.now())
}

// RequestNtpSync starts a sync if the network allows it and reports whether
// one was started.
func (d *Device) RequestNtpSync() bool {
	if !d.sync.RequestSync(d.now(), d.net.Connected()) {
		return false
	}
	d.observeSync()
	return true
}

// CountdownTarget returns the target Unix timestamp, 0 in clock mode.
func (d *Device) CountdownTarget() int64 { return d.cfg.CountdownTarget }

// SetCountdownTarget sets the target and persists it. 0 returns to clock mode.
func (d *Device) SetCountdownTarget(ts int64) error {
	if d.cfg.CountdownLocked {
		return ErrCountdownLocked
	}
	return d.setTarget(ts)
}

// SetCountdownFromLocal parses a CountdownLayout value in the device zone.
// An unparseable value clears the target.
func (d *Device) SetCountdownFromLocal(value string) error {
	if d.cfg.CountdownLocked {
		return ErrCountdownLocked
	}
	var ts int64
	t, err := time.ParseInLocation(CountdownLayout, strings.Replace(value, "T", " ", 1), d.loc)
	if err != nil {
		d.logger.Warn("invalid countdown datetime, clearing target", "value", value, "err", err)
	} else {
		ts = t.Unix()
	}
	return d.setTarget(ts)
}

// ClearCountdownTarget returns to clock mode.
func (d *Device) ClearCountdownTarget() error {
	return d.SetCountdownTarget(0)
}

// StartCountup sets the target to now so the display counts up from zero.
func (d *Device) StartCountup() error {
	return d.SetCountdownTarget(d.keeper.Now().Unix())
}

// AdjustCountdownTarget changes the displayed gap by delta seconds. A
// countdown grows by delta; a count-up shrinks by delta. Both amount to
// moving the target by delta.
func (d *Device) AdjustCountdownTarget(delta int64) error {
	if d.cfg.CountdownLocked {
		return ErrCountdownLocked
	}
	if d.cfg.CountdownTarget == 0 {
		return ErrCountdownInactive
	}
	return d.setTarget(d.cfg.CountdownTarget + delta)
}

func (d *Device) setTarget(ts int64) error {
	d.cfg.CountdownTarget = ts
	d.frame.Text = ""
	d.events.Emit(EventCountdown, ts)
	return d.save()
}

// SetBrightness clamps n to the valid range, applies and persists it.
func (d *Device) SetBrightness(n int) error {
	d.cfg.Brightness = settings.ClampBrightness(n)
	if err := d.driver.SetIntensity(d.cfg.Brightness); err != nil {
		d.logger.Warn("set intensity failed", "err", err)
	}
	d.events.Emit(EventSettings, d.cfg.Masked())
	return d.save()
}

// SetFlip applies and persists the display orientation.
func (d *Device) SetFlip(flipped bool) error {
	d.cfg.FlipDisplay = flipped
	if err := d.driver.SetOrientation(flipped); err != nil {
		d.logger.Warn("set orientation failed", "err", err)
	}
	d.frame.Text = ""
	d.events.Emit(EventSettings, d.cfg.Masked())
	return d.save()
}

// UpdateSettings merges u, applies what changed and persists the result.
// A credential change restarts the connection cycle.
func (d *Device) UpdateSettings(u settings.Update) (settings.Changes, error) {
	ch := d.cfg.ApplyUpdate(u)
	if !ch.Any() {
		return ch, nil
	}

	if ch.Networks || ch.AP {
		d.net.SetCredentials(d.cfg.Networks)
		d.net.SetAccessPoint(d.cfg.APSSID, d.cfg.APPassword)
	}
	if ch.Clock {
		d.sync.SetServers(d.cfg.NTPServers()...)
		d.loc = tz.Resolve(d.cfg.TimeZone)
		d.frame.Text = ""
	}
	if ch.Display {
		d.applyDisplay()
	}

	err := d.save()
	d.events.Emit(EventSettings, d.cfg.Masked())

	if ch.Networks || (ch.AP && d.net.Mode() == "ap") {
		d.logger.Info("network settings changed, reconnecting")
		d.net.RequestConnect(d.now())
	}
	return ch, err
}

// ClearWiFi forgets every credential and restarts the cycle, which lands
// in access point mode.
func (d *Device) ClearWiFi() error {
	d.cfg.ClearNetworks()
	d.net.SetCredentials(d.cfg.Networks)
	err := d.save()
	d.events.Emit(EventSettings, d.cfg.Masked())
	d.net.RequestConnect(d.now())
	return err
}

// RestoreBackup reinstates the previous settings file and applies it.
func (d *Device) RestoreBackup() error {
	if err := d.settings.Restore(); err != nil {
		return fmt.Errorf("restore settings: %w", err)
	}
	cfg, err := d.settings.Load()
	if err != nil {
		return fmt.Errorf("load restored settings: %w", err)
	}
	d.apply(cfg)
	d.events.Emit(EventSettings, d.cfg.Masked())
	d.net.RequestConnect(d.now())
	return nil
}

// SetTime sets the system clock and the RTC by hand.
func (d *Device) SetTime(t time.Time) error {
	if err := d.keeper.SetManual(t); err != nil {
		return err
	}
	d.journalClock(func(st *store.ClockState) {
		st.RTCTrusted = d.keeper.Trusted()
	})
	d.events.Emit(EventTimeSet, t.UTC())
	return nil
}

// SyncHistory returns up to limit recorded sync attempts, newest first.
// Without a journal it returns nothing.
func (d *Device) SyncHistory(limit int) ([]store.SyncRecord, error) {
	if d.journal == nil {
		return nil, nil
	}
	return d.journal.ListSyncs(limit)
}
