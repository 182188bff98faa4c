// Package radio provides netmgr.Radio and netmgr.Portal implementations.
package radio

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"chronoclock/internal/netmgr"
)

// Host is a radio for machines whose network is managed by the OS. Begin
// reports the host's first non-loopback IPv4 address as if the join
// succeeded; with no such address it stays silent and the manager times out.
type Host struct {
	mu      sync.Mutex
	handler func(netmgr.Event)
	addrs   func() ([]net.Addr, error)
	logger  *slog.Logger
}

// NewHost creates a Host radio.
func NewHost(logger *slog.Logger) *Host {
	return &Host{
		addrs:  net.InterfaceAddrs,
		logger: logger.With("component", "radio", "backend", "host"),
	}
}

func (h *Host) OnEvent(fn func(netmgr.Event)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

func (h *Host) Begin(ssid, _ string) error {
	ip, ok := h.hostIP()
	if !ok {
		h.logger.Warn("no usable host address", "ssid", ssid)
		return nil
	}
	go h.emit(netmgr.Event{Type: netmgr.EventGotIP, IP: ip})
	return nil
}

func (h *Host) Disconnect() error { return nil }

func (h *Host) StartAP(cfg netmgr.APConfig) (netip.Addr, error) {
	h.logger.Info("access point requested, host networking unchanged", "ssid", cfg.SSID)
	return cfg.Gateway, nil
}

func (h *Host) StopAP() error { return nil }

func (h *Host) emit(ev netmgr.Event) {
	h.mu.Lock()
	fn := h.handler
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *Host) hostIP() (netip.Addr, bool) {
	addrs, err := h.addrs()
	if err != nil {
		h.logger.Warn("list interface addresses failed", "err", err)
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// NopPortal does nothing. Used with Host where DNS is not ours to answer.
type NopPortal struct{}

func (NopPortal) Start(netip.Addr) error { return nil }
func (NopPortal) Stop() error            { return nil }
