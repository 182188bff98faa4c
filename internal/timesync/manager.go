// Package timesync runs the NTP synchronisation state machine and decides
// which clock the display trusts.
package timesync

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultSyncTimeout    = 10 * time.Second
	DefaultResyncInterval = time.Hour
	MaxRetries            = 3

	// validEpoch is the smallest Unix time accepted as a real sync result.
	validEpoch = 1000
)

// Kind enumerates sync states.
type Kind int

const (
	Idle Kind = iota
	Syncing
	Success
	Failed
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a snapshot of the sync state machine. Since is the start of the
// current attempt while Syncing.
type State struct {
	Kind  Kind      `json:"kind"`
	Since time.Time `json:"since"`
	Retry int       `json:"retry"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithResyncInterval overrides the periodic resync interval used without an RTC.
func WithResyncInterval(d time.Duration) Option {
	return func(m *Manager) { m.resync = d }
}

// Manager owns the sync state machine. Like netmgr.Manager it is driven
// from a single loop goroutine. Timeouts are measured with the monotonic
// now passed to RequestSync and Tick, never with the clock being synced.
type Manager struct {
	keeper *Timekeeper
	ntp    NTP
	logger *slog.Logger

	servers []string
	timeout time.Duration
	resync  time.Duration

	state       State
	lastRequest time.Time
	lastSuccess time.Time
}

// New creates an idle manager.
func New(keeper *Timekeeper, ntp NTP, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		keeper:  keeper,
		ntp:     ntp,
		logger:  logger.With("component", "timesync"),
		timeout: DefaultSyncTimeout,
		resync:  DefaultResyncInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetServers sets the NTP servers queried in order.
func (m *Manager) SetServers(servers ...string) {
	m.servers = servers
}

// State returns the current state.
func (m *Manager) State() State { return m.state }

// LastSuccess returns the wall time of the last successful sync.
func (m *Manager) LastSuccess() time.Time { return m.lastSuccess }

// RequestSync starts a fresh sync. It is ignored unless the network is
// connected, and while a sync is already running. It reports whether a
// sync was started.
func (m *Manager) RequestSync(now time.Time, connected bool) bool {
	if !connected {
		m.logger.Debug("sync request ignored, network not connected")
		return false
	}
	if m.state.Kind == Syncing {
		return false
	}

	m.state.Retry = 0
	m.lastRequest = now
	m.keeper.holdForSync()
	m.begin(now)
	return true
}

// Tick advances the state machine.
func (m *Manager) Tick(now time.Time, connected bool) {
	switch m.state.Kind {
	case Syncing:
		if !connected {
			m.logger.Info("network lost during sync")
			m.abandon()
			return
		}
		if m.keeper.clockValid() {
			m.succeed()
			return
		}
		if now.Sub(m.state.Since) < m.timeout {
			return
		}
		if m.state.Retry < MaxRetries {
			m.logger.Warn("ntp sync attempt timed out", "retry", m.state.Retry)
			m.state.Kind = Failed
			return
		}
		m.logger.Warn("ntp sync gave up", "retries", m.state.Retry)
		m.abandon()

	case Failed:
		if !connected {
			m.abandon()
			return
		}
		m.begin(now)

	case Idle, Success:
		if m.keeper.HasRTC() || !connected || m.lastRequest.IsZero() {
			return
		}
		if now.Sub(m.lastRequest) >= m.resync {
			m.logger.Info("periodic ntp resync")
			m.RequestSync(now, connected)
		}
	}
}

func (m *Manager) begin(now time.Time) {
	m.ntp.Begin(m.servers...)
	m.state.Retry++
	m.state.Kind = Syncing
	m.state.Since = now
	m.logger.Info("ntp sync started", "retry", m.state.Retry, "servers", m.servers)
}

// abandon settles Idle after a sync that never answered.
func (m *Manager) abandon() {
	m.state = State{Kind: Idle}
	if t, ok := m.keeper.release(); ok {
		m.logger.Info("clock restored after failed sync", "time", t)
	}
}

func (m *Manager) succeed() {
	m.keeper.release()
	t := m.keeper.Clock().Now()
	m.state = State{Kind: Success, Retry: m.state.Retry}
	m.lastSuccess = t
	m.logger.Info("ntp sync succeeded", "time", t)
	if err := m.keeper.AdjustRTC(t); err != nil {
		m.logger.Error("write rtc failed", "err", err)
	}
}
