package radio

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chronoclock/internal/netmgr"
)

const statusPollInterval = time.Second

// WPA drives a Linux wireless interface: wpa_supplicant (through wpa_cli)
// in station mode and hostapd in access point mode. Address assignment in
// station mode is left to the system DHCP client.
type WPA struct {
	iface   string
	confDir string
	logger  *slog.Logger

	run   func(name string, args ...string) ([]byte, error)
	spawn func(name string, args ...string) (process, error)

	mu        sync.Mutex
	handler   func(netmgr.Event)
	hostapd   process
	apActive  bool
	connected bool
	ip        netip.Addr
}

// NewWPA creates a radio for iface. Generated helper configs go to confDir.
func NewWPA(iface, confDir string, logger *slog.Logger) *WPA {
	return &WPA{
		iface:   iface,
		confDir: confDir,
		logger:  logger.With("component", "radio", "backend", "wpa", "iface", iface),
		run:     runCommand,
		spawn:   spawnCommand,
	}
}

func (w *WPA) OnEvent(fn func(netmgr.Event)) {
	w.mu.Lock()
	w.handler = fn
	w.mu.Unlock()
}

// Begin replaces the supplicant's network list with a single network and
// selects it. The SSID is passed hex-encoded so any byte sequence survives.
func (w *WPA) Begin(ssid, password string) error {
	if _, err := w.cli("remove_network", "all"); err != nil {
		return err
	}
	out, err := w.cli("add_network")
	if err != nil {
		return err
	}
	id := lastLine(out)
	if id == "" || id == "FAIL" {
		return fmt.Errorf("add network: unexpected reply %q", out)
	}

	if _, err := w.cli("set_network", id, "ssid", hex.EncodeToString([]byte(ssid))); err != nil {
		return err
	}
	if password == "" {
		_, err = w.cli("set_network", id, "key_mgmt", "NONE")
	} else {
		_, err = w.cli("set_network", id, "psk", `"`+password+`"`)
	}
	if err != nil {
		return err
	}
	if _, err := w.cli("select_network", id); err != nil {
		return err
	}
	w.logger.Debug("network selected", "ssid", ssid, "id", id)
	return nil
}

func (w *WPA) Disconnect() error {
	w.mu.Lock()
	w.connected = false
	w.ip = netip.Addr{}
	w.mu.Unlock()
	_, err := w.cli("disconnect")
	return err
}

// StartAP assigns the gateway address and runs hostapd.
func (w *WPA) StartAP(cfg netmgr.APConfig) (netip.Addr, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.apActive {
		return cfg.Gateway, nil
	}

	prefix := netip.PrefixFrom(cfg.Gateway, 24).String()
	steps := [][]string{
		{"ip", "addr", "flush", "dev", w.iface},
		{"ip", "addr", "add", prefix, "dev", w.iface},
		{"ip", "link", "set", w.iface, "up"},
	}
	for _, s := range steps {
		if _, err := w.run(s[0], s[1:]...); err != nil {
			return netip.Addr{}, fmt.Errorf("configure %s: %w", w.iface, err)
		}
	}

	path := filepath.Join(w.confDir, "hostapd.conf")
	if err := os.WriteFile(path, []byte(hostapdConfig(w.iface, cfg)), 0o600); err != nil {
		return netip.Addr{}, fmt.Errorf("write hostapd config: %w", err)
	}
	proc, err := w.spawn("hostapd", path)
	if err != nil {
		return netip.Addr{}, err
	}
	w.hostapd = proc
	w.apActive = true
	return cfg.Gateway, nil
}

func (w *WPA) StopAP() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.apActive {
		return nil
	}
	w.apActive = false

	var lastErr error
	if w.hostapd != nil {
		if err := w.hostapd.Stop(); err != nil {
			lastErr = fmt.Errorf("stop hostapd: %w", err)
		}
		w.hostapd = nil
	}
	if _, err := w.run("ip", "addr", "flush", "dev", w.iface); err != nil {
		lastErr = err
	}
	return lastErr
}

// Run polls the supplicant and turns state changes into events until ctx
// is done.
func (w *WPA) Run(ctx context.Context) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *WPA) poll() {
	w.mu.Lock()
	if w.apActive {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	out, err := w.cli("status")
	if err != nil {
		w.logger.Debug("status poll failed", "err", err)
		return
	}
	up, ip := parseStatus(out)

	w.mu.Lock()
	var ev *netmgr.Event
	switch {
	case up && (!w.connected || ip != w.ip):
		ev = &netmgr.Event{Type: netmgr.EventGotIP, IP: ip}
	case !up && w.connected:
		ev = &netmgr.Event{Type: netmgr.EventDisconnected}
	}
	w.connected = up
	w.ip = ip
	fn := w.handler
	w.mu.Unlock()

	if ev != nil && fn != nil {
		fn(*ev)
	}
}

func (w *WPA) cli(args ...string) ([]byte, error) {
	return w.run("wpa_cli", append([]string{"-i", w.iface}, args...)...)
}

// parseStatus reads `wpa_cli status` output. The link counts as up once
// the association completed and DHCP assigned an address.
func parseStatus(out []byte) (bool, netip.Addr) {
	var state string
	var ip netip.Addr
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch k {
		case "wpa_state":
			state = v
		case "ip_address":
			if a, err := netip.ParseAddr(v); err == nil {
				ip = a
			}
		}
	}
	if state != "COMPLETED" || !ip.IsValid() {
		return false, netip.Addr{}
	}
	return true, ip
}

func hostapdConfig(iface string, cfg netmgr.APConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=%s\n", iface)
	b.WriteString("driver=nl80211\n")
	fmt.Fprintf(&b, "ssid=%s\n", cfg.SSID)
	b.WriteString("hw_mode=g\nchannel=7\nwmm_enabled=0\nmacaddr_acl=0\nauth_algs=1\nignore_broadcast_ssid=0\n")
	if cfg.Password != "" {
		b.WriteString("wpa=2\nwpa_key_mgmt=WPA-PSK\nrsn_pairwise=CCMP\n")
		fmt.Fprintf(&b, "wpa_passphrase=%s\n", cfg.Password)
	}
	return b.String()
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
