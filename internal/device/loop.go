package device

import (
	"context"
	"time"

	"chronoclock/internal/display"
	"chronoclock/internal/netmgr"
	"chronoclock/internal/timesync"
)

// Tick runs one loop iteration: network, then time sync, then display.
func (d *Device) Tick(now time.Time) {
	d.net.Tick(now)
	netState := d.net.State()
	connected := d.net.Connected()
	if netState != d.lastNet {
		enteredConnected := netState.Kind == netmgr.Connected && d.lastNet.Kind != netmgr.Connected
		d.lastNet = netState
		d.events.Emit(EventNetworkState, netState)
		if enteredConnected && d.sync.RequestSync(now, true) {
			d.observeSync()
		}
	}

	d.sync.Tick(now, connected)
	d.observeSync()

	d.render(d.blinker.Tick(now))
}

// observeSync publishes a sync state change and journals finished attempts.
func (d *Device) observeSync() {
	syncState := d.sync.State()
	if syncState == d.lastSync {
		return
	}
	prev := d.lastSync
	d.lastSync = syncState
	d.events.Emit(EventSyncState, syncState)
	if prev.Kind != timesync.Syncing {
		return
	}
	switch syncState.Kind {
	case timesync.Success:
		d.journalSync(true, syncState.Retry, d.keeper.Now())
	case timesync.Idle:
		d.journalSync(false, prev.Retry, d.keeper.Now())
	}
}

func (d *Device) render(colonVisible bool) {
	wall := d.keeper.Now().In(d.loc)
	frame := display.Render(wall, d.cfg.CountdownTarget, colonVisible, d.cfg.TwelveHourMode)
	if frame == d.frame {
		return
	}
	d.frame = frame
	if err := d.driver.Print(frame.Text, frame.Align); err != nil {
		d.logger.Warn("display print failed", "err", err)
	}
	d.events.Emit(EventFrame, frame)
}

// Run drives the loop until ctx is cancelled, executing submitted commands
// between ticks.
func (d *Device) Run(ctx context.Context) error {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("loop started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("loop stopped")
			return ctx.Err()
		case fn := <-d.commands:
			fn()
		case <-ticker.C:
			d.Tick(d.now())
		}
	}
}

// Do runs fn on the loop goroutine and waits for its result.
func (d *Device) Do(ctx context.Context, fn func(d *Device) error) error {
	result := make(chan error, 1)
	cmd := func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("command panic", "panic", r)
				result <- errPanic
			}
		}()
		result <- fn(d)
	}

	select {
	case d.commands <- cmd:
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
