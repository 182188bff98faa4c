// Package netmgr drives the WiFi station / access point state machine.
//
// The manager is not safe for concurrent use. It is advanced by Tick from a
// single loop goroutine; the only cross-goroutine entry point is the radio
// event handler, which posts into a Mailbox drained at the start of Tick.
package netmgr

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"chronoclock/internal/settings"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectGrace = 10 * time.Second
	DefaultAPDwell        = 5 * time.Minute

	DefaultAPSSID     = "chronoclock"
	DefaultAPPassword = "chrono157"

	// minWPALen is the shortest passphrase WPA2 accepts.
	minWPALen = 8
)

// APGateway is the address the clock serves on while hosting its own network.
var APGateway = netip.MustParseAddr("192.168.4.1")

// Kind enumerates the connection states.
type Kind int

const (
	Disconnected Kind = iota
	Connecting
	Connected
	AccessPoint
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AccessPoint:
		return "access_point"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is a snapshot of the connection state. Since is the disconnect time,
// the attempt start or the AP start depending on Kind. Index is the
// credential slot for Connecting and Connected. IP is set for Connected and
// AccessPoint.
type State struct {
	Kind  Kind       `json:"kind"`
	Since time.Time  `json:"since"`
	Index int        `json:"index"`
	IP    netip.Addr `json:"ip"`
}

// APConfig is handed to the radio when the access point starts. An empty
// Password runs an open network.
type APConfig struct {
	SSID     string
	Password string
	Gateway  netip.Addr
}

// Radio is the WiFi hardware.
type Radio interface {
	Begin(ssid, password string) error
	Disconnect() error
	StartAP(cfg APConfig) (netip.Addr, error)
	StopAP() error
	// OnEvent registers the handler for asynchronous radio events.
	OnEvent(fn func(Event))
}

// Portal is the captive DNS responder run while in access point mode.
type Portal interface {
	Start(ip netip.Addr) error
	Stop() error
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeouts overrides the connect timeout, the reconnect grace period and
// the access point dwell.
func WithTimeouts(connect, grace, dwell time.Duration) Option {
	return func(m *Manager) {
		m.connectTimeout = connect
		m.reconnectGrace = grace
		m.apDwell = dwell
	}
}

// Manager owns the connection state machine.
type Manager struct {
	radio  Radio
	portal Portal
	logger *slog.Logger

	mailbox Mailbox
	creds   [settings.MaxNetworks]settings.Credential
	apSSID  string
	apPass  string

	connectTimeout time.Duration
	reconnectGrace time.Duration
	apDwell        time.Duration

	state     State
	lastIndex int
	apActive  bool
}

// New creates a manager in the Disconnected state and subscribes to radio
// events.
func New(radio Radio, portal Portal, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		radio:          radio,
		portal:         portal,
		logger:         logger.With("component", "netmgr"),
		connectTimeout: DefaultConnectTimeout,
		reconnectGrace: DefaultReconnectGrace,
		apDwell:        DefaultAPDwell,
	}
	for _, opt := range opts {
		opt(m)
	}
	radio.OnEvent(m.mailbox.Post)
	return m
}

// SetCredentials replaces the list used by RequestConnect and automatic
// restarts. It does not interrupt the current attempt.
func (m *Manager) SetCredentials(creds [settings.MaxNetworks]settings.Credential) {
	m.creds = creds
}

// SetAccessPoint sets the SSID and password used for access point mode.
func (m *Manager) SetAccessPoint(ssid, password string) {
	m.apSSID = ssid
	m.apPass = password
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Connected reports whether the station has an address.
func (m *Manager) Connected() bool {
	return m.state.Kind == Connected
}

// Mode returns "ap" while hosting the access point and "sta" otherwise.
func (m *Manager) Mode() string {
	if m.state.Kind == AccessPoint {
		return "ap"
	}
	return "sta"
}

// RequestConnect tears down whatever is running and starts a fresh cycle
// from the highest priority credential. With no credentials it goes
// straight to access point mode.
func (m *Manager) RequestConnect(now time.Time) {
	m.stopAP()
	if err := m.radio.Disconnect(); err != nil {
		m.logger.Warn("radio disconnect failed", "err", err)
	}
	m.mailbox.Clear()

	idx := m.nextSlot(0)
	if idx < 0 {
		m.logger.Info("no credentials configured")
		m.startAP(now)
		return
	}
	m.begin(idx, now)
}

// Tick drains the mailbox and applies timeouts.
func (m *Manager) Tick(now time.Time) {
	ev, hasEvent := m.mailbox.Take()

	switch m.state.Kind {
	case Connecting:
		if hasEvent && ev.Type == EventGotIP {
			m.setConnected(ev.IP, m.state.Index, now)
			return
		}
		if now.Sub(m.state.Since) < m.connectTimeout {
			return
		}
		m.logger.Info("connect attempt timed out", "slot", m.state.Index, "ssid", m.creds[m.state.Index].SSID)
		if next := m.nextSlot(m.state.Index + 1); next >= 0 {
			m.begin(next, now)
			return
		}
		if err := m.radio.Disconnect(); err != nil {
			m.logger.Warn("radio disconnect failed", "err", err)
		}
		m.startAP(now)

	case Connected:
		if !hasEvent {
			return
		}
		switch ev.Type {
		case EventDisconnected:
			m.logger.Info("connection lost", "ssid", m.creds[m.state.Index].SSID)
			m.lastIndex = m.state.Index
			m.state = State{Kind: Disconnected, Since: now}
		case EventGotIP:
			m.state.IP = ev.IP
		}

	case Disconnected:
		if hasEvent && ev.Type == EventGotIP {
			m.logger.Info("radio reconnected")
			m.setConnected(ev.IP, m.lastIndex, now)
			return
		}
		if now.Sub(m.state.Since) >= m.reconnectGrace {
			m.RequestConnect(now)
		}

	case AccessPoint:
		if now.Sub(m.state.Since) < m.apDwell {
			return
		}
		if m.nextSlot(0) < 0 {
			m.state.Since = now
			return
		}
		m.logger.Info("access point dwell elapsed, retrying networks")
		m.RequestConnect(now)
	}
}

func (m *Manager) begin(idx int, now time.Time) {
	c := m.creds[idx]
	m.logger.Info("connecting", "slot", idx, "ssid", c.SSID)
	if err := m.radio.Begin(c.SSID, c.Password); err != nil {
		m.logger.Warn("radio begin failed", "ssid", c.SSID, "err", err)
	}
	m.state = State{Kind: Connecting, Since: now, Index: idx}
}

func (m *Manager) setConnected(ip netip.Addr, idx int, now time.Time) {
	m.logger.Info("connected", "ssid", m.creds[idx].SSID, "ip", ip)
	m.state = State{Kind: Connected, Since: now, Index: idx, IP: ip}
}

func (m *Manager) startAP(now time.Time) {
	cfg := m.apConfig()
	ip, err := m.radio.StartAP(cfg)
	if err != nil {
		m.logger.Error("start access point failed", "ssid", cfg.SSID, "err", err)
	}
	if !ip.IsValid() {
		ip = cfg.Gateway
	}
	m.apActive = true
	if err := m.portal.Start(ip); err != nil {
		m.logger.Error("start captive portal failed", "err", err)
	}
	m.logger.Info("access point started", "ssid", cfg.SSID, "ip", ip, "open", cfg.Password == "")
	m.state = State{Kind: AccessPoint, Since: now, IP: ip}
}

func (m *Manager) stopAP() {
	if !m.apActive {
		return
	}
	if err := m.portal.Stop(); err != nil {
		m.logger.Warn("stop captive portal failed", "err", err)
	}
	if err := m.radio.StopAP(); err != nil {
		m.logger.Warn("stop access point failed", "err", err)
	}
	m.apActive = false
}

func (m *Manager) apConfig() APConfig {
	cfg := APConfig{SSID: DefaultAPSSID, Password: DefaultAPPassword, Gateway: APGateway}
	if m.apSSID == "" {
		return cfg
	}
	cfg.SSID = m.apSSID
	cfg.Password = m.apPass
	if len(cfg.Password) < minWPALen {
		cfg.Password = ""
	}
	return cfg
}

// nextSlot returns the first non-empty slot at or after from, or -1.
func (m *Manager) nextSlot(from int) int {
	for i := from; i < len(m.creds); i++ {
		if !m.creds[i].Empty() {
			return i
		}
	}
	return -1
}
