package timesync

import (
	"fmt"
	"log/slog"
	"time"
)

// RTC is a battery-backed clock. It stores UTC.
type RTC interface {
	Now() (time.Time, error)
	Adjust(t time.Time) error
	LostPower() (bool, error)
}

// Timekeeper picks the authoritative time source. The RTC wins only after
// it has been adjusted at least once and has not lost power since.
type Timekeeper struct {
	clock   Clock
	rtc     RTC
	trusted bool
	logger  *slog.Logger

	// held is the wall time when the clock was zeroed for a sync. While
	// the clock reads below validEpoch, Now reports held plus the time
	// the zeroed clock has run since.
	held time.Time
}

// NewTimekeeper wraps clock and an optional rtc. trusted carries the
// persisted "RTC has been adjusted" flag across restarts.
func NewTimekeeper(clock Clock, rtc RTC, trusted bool, logger *slog.Logger) *Timekeeper {
	return &Timekeeper{
		clock:   clock,
		rtc:     rtc,
		trusted: rtc != nil && trusted,
		logger:  logger.With("component", "timekeeper"),
	}
}

// HasRTC reports whether an RTC is fitted.
func (k *Timekeeper) HasRTC() bool { return k.rtc != nil }

// Trusted reports whether the RTC is the authoritative source.
func (k *Timekeeper) Trusted() bool { return k.trusted }

// Clock returns the underlying system clock.
func (k *Timekeeper) Clock() Clock { return k.clock }

// Boot seeds the system clock from a trusted RTC. An RTC that lost power
// becomes untrusted until the next adjust.
func (k *Timekeeper) Boot() error {
	if k.rtc == nil {
		return nil
	}
	lost, err := k.rtc.LostPower()
	if err != nil {
		k.trusted = false
		return fmt.Errorf("read rtc status: %w", err)
	}
	if lost {
		k.logger.Warn("rtc lost power, waiting for sync")
		k.trusted = false
		return nil
	}
	if !k.trusted {
		return nil
	}
	t, err := k.rtc.Now()
	if err != nil {
		return fmt.Errorf("read rtc: %w", err)
	}
	k.clock.Set(t)
	k.logger.Info("clock seeded from rtc", "time", t)
	return nil
}

// Now returns the best available time in UTC.
func (k *Timekeeper) Now() time.Time {
	if k.rtc != nil && k.trusted {
		t, err := k.rtc.Now()
		if err == nil {
			return t.UTC()
		}
		k.logger.Warn("read rtc failed", "err", err)
	}
	t := k.clock.Now()
	if !k.held.IsZero() && t.Unix() <= validEpoch {
		return k.held.Add(t.Sub(epoch)).UTC()
	}
	return t
}

var epoch = time.Unix(0, 0)

// holdForSync zeroes the clock so a sync result can be told apart from
// the old time, keeping the old time as the display fallback.
func (k *Timekeeper) holdForSync() {
	if k.held.IsZero() {
		k.held = k.Now()
	}
	k.clock.Set(epoch)
}

// clockValid reports whether the clock has been set past the zero point.
func (k *Timekeeper) clockValid() bool {
	return k.clock.Now().Unix() > validEpoch
}

// release drops the held time. If the clock is still zeroed it is moved
// back onto the held time, and the restored time is returned.
func (k *Timekeeper) release() (time.Time, bool) {
	if k.held.IsZero() {
		return time.Time{}, false
	}
	var restored time.Time
	ok := false
	if !k.clockValid() {
		restored = k.Now()
		k.clock.Set(restored)
		ok = true
	}
	k.held = time.Time{}
	return restored, ok
}

// AdjustRTC writes t into the RTC and marks it trusted. Without an RTC it
// does nothing.
func (k *Timekeeper) AdjustRTC(t time.Time) error {
	if k.rtc == nil {
		return nil
	}
	if err := k.rtc.Adjust(t.UTC()); err != nil {
		return fmt.Errorf("adjust rtc: %w", err)
	}
	k.trusted = true
	return nil
}

// SetManual sets both the RTC and the system clock. The RTC is written
// first; if it rejects t the system clock is left alone.
func (k *Timekeeper) SetManual(t time.Time) error {
	if err := k.AdjustRTC(t); err != nil {
		return err
	}
	k.clock.Set(t)
	return nil
}
