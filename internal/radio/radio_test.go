package radio

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chronoclock/internal/netmgr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	calls   []string
	replies map[string]string
	spawned []string
	stopped int
}

func (r *recorder) run(name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	for prefix, reply := range r.replies {
		if strings.HasPrefix(line, prefix) {
			return []byte(reply), nil
		}
	}
	return []byte("OK\n"), nil
}

func (r *recorder) spawn(name string, args ...string) (process, error) {
	r.spawned = append(r.spawned, name+" "+strings.Join(args, " "))
	return stopFunc(func() error { r.stopped++; return nil }), nil
}

type stopFunc func() error

func (f stopFunc) Stop() error { return f() }

func newTestWPA(t *testing.T, rec *recorder) *WPA {
	w := NewWPA("wlan0", t.TempDir(), testLogger())
	w.run = rec.run
	w.spawn = rec.spawn
	return w
}

func TestWPABegin(t *testing.T) {
	rec := &recorder{replies: map[string]string{"wpa_cli -i wlan0 add_network": "3\n"}}
	w := newTestWPA(t, rec)

	if err := w.Begin("Home", "pw1"); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"wpa_cli -i wlan0 remove_network all",
		"wpa_cli -i wlan0 add_network",
		"wpa_cli -i wlan0 set_network 3 ssid 486f6d65",
		`wpa_cli -i wlan0 set_network 3 psk "pw1"`,
		"wpa_cli -i wlan0 select_network 3",
	}
	if strings.Join(rec.calls, "\n") != strings.Join(want, "\n") {
		t.Errorf("calls:\n%s\nwant:\n%s", strings.Join(rec.calls, "\n"), strings.Join(want, "\n"))
	}
}

func TestWPABeginOpenNetwork(t *testing.T) {
	rec := &recorder{replies: map[string]string{"wpa_cli -i wlan0 add_network": "0\n"}}
	w := newTestWPA(t, rec)
	if err := w.Begin("cafe", ""); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range rec.calls {
		if c == "wpa_cli -i wlan0 set_network 0 key_mgmt NONE" {
			found = true
		}
	}
	if !found {
		t.Errorf("open network not configured: %v", rec.calls)
	}
}

func TestWPABeginAddFails(t *testing.T) {
	rec := &recorder{replies: map[string]string{"wpa_cli -i wlan0 add_network": "FAIL\n"}}
	w := newTestWPA(t, rec)
	if err := w.Begin("x", "y"); err == nil {
		t.Error("expected error")
	}
}

func TestWPAPollEmitsEvents(t *testing.T) {
	rec := &recorder{replies: map[string]string{}}
	w := newTestWPA(t, rec)
	var got []netmgr.Event
	w.OnEvent(func(ev netmgr.Event) { got = append(got, ev) })

	rec.replies["wpa_cli -i wlan0 status"] = "wpa_state=SCANNING\n"
	w.poll()
	rec.replies["wpa_cli -i wlan0 status"] = "bssid=aa:bb\nwpa_state=COMPLETED\nip_address=10.1.2.3\n"
	w.poll()
	w.poll()
	rec.replies["wpa_cli -i wlan0 status"] = "wpa_state=DISCONNECTED\n"
	w.poll()

	if len(got) != 2 {
		t.Fatalf("events = %v, want 2", got)
	}
	if got[0].Type != netmgr.EventGotIP || got[0].IP != netip.MustParseAddr("10.1.2.3") {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != netmgr.EventDisconnected {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestWPAAccessPoint(t *testing.T) {
	rec := &recorder{}
	w := newTestWPA(t, rec)
	cfg := netmgr.APConfig{SSID: "chronoclock", Password: "chrono157", Gateway: netmgr.APGateway}

	ip, err := w.StartAP(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if ip != netmgr.APGateway {
		t.Errorf("ip = %v", ip)
	}
	if len(rec.spawned) != 1 || !strings.HasPrefix(rec.spawned[0], "hostapd ") {
		t.Fatalf("spawned = %v", rec.spawned)
	}
	if rec.calls[1] != "ip addr add 192.168.4.1/24 dev wlan0" {
		t.Errorf("calls = %v", rec.calls)
	}

	conf, err := os.ReadFile(filepath.Join(w.confDir, "hostapd.conf"))
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"ssid=chronoclock", "wpa_passphrase=chrono157", "interface=wlan0"} {
		if !strings.Contains(string(conf), line+"\n") {
			t.Errorf("hostapd.conf missing %q", line)
		}
	}

	// Polling is paused while hosting the access point.
	n := len(rec.calls)
	w.poll()
	if len(rec.calls) != n {
		t.Error("status polled in AP mode")
	}

	if err := w.StopAP(); err != nil {
		t.Fatal(err)
	}
	if rec.stopped != 1 {
		t.Errorf("hostapd stops = %d", rec.stopped)
	}
}

func TestHostapdOpenNetwork(t *testing.T) {
	conf := hostapdConfig("wlan0", netmgr.APConfig{SSID: "clock"})
	if strings.Contains(conf, "wpa=") {
		t.Errorf("open network has wpa settings:\n%s", conf)
	}
}

func TestDNSMasqPortal(t *testing.T) {
	rec := &recorder{}
	p := NewDNSMasqPortal("wlan0", t.TempDir(), testLogger())
	p.spawn = rec.spawn

	if err := p.Start(netmgr.APGateway); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(netmgr.APGateway); err != nil {
		t.Fatal(err)
	}
	if len(rec.spawned) != 1 {
		t.Errorf("spawned = %v, want one dnsmasq", rec.spawned)
	}

	conf, err := os.ReadFile(filepath.Join(p.confDir, "dnsmasq.conf"))
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"address=/#/192.168.4.1", "dhcp-range=192.168.4.2,192.168.4.20,255.255.255.0,24h"} {
		if !strings.Contains(string(conf), line) {
			t.Errorf("dnsmasq.conf missing %q", line)
		}
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if rec.stopped != 1 {
		t.Errorf("stops = %d", rec.stopped)
	}
}

func TestHostRadioReportsAddress(t *testing.T) {
	h := NewHost(testLogger())
	h.addrs = func() ([]net.Addr, error) {
		return []net.Addr{
			&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)},
			&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
			&net.IPNet{IP: net.IPv4(192, 168, 1, 50), Mask: net.CIDRMask(24, 32)},
		}, nil
	}
	events := make(chan netmgr.Event, 1)
	h.OnEvent(func(ev netmgr.Event) { events <- ev })

	if err := h.Begin("any", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.Type != netmgr.EventGotIP || ev.IP != netip.MustParseAddr("192.168.1.50") {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestHostRadioNoAddress(t *testing.T) {
	h := NewHost(testLogger())
	h.addrs = func() ([]net.Addr, error) { return nil, errors.New("boom") }
	h.OnEvent(func(netmgr.Event) { t.Error("unexpected event") })
	if err := h.Begin("any", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
}
