package radio

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
)

// DNSMasqPortal runs dnsmasq on the access point interface, handing out
// DHCP leases and answering every DNS query with the clock's address.
type DNSMasqPortal struct {
	iface   string
	confDir string
	logger  *slog.Logger
	spawn   func(name string, args ...string) (process, error)

	mu   sync.Mutex
	proc process
}

// NewDNSMasqPortal creates a portal for iface.
func NewDNSMasqPortal(iface, confDir string, logger *slog.Logger) *DNSMasqPortal {
	return &DNSMasqPortal{
		iface:   iface,
		confDir: confDir,
		logger:  logger.With("component", "portal"),
		spawn:   spawnCommand,
	}
}

func (p *DNSMasqPortal) Start(ip netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return nil
	}

	path := filepath.Join(p.confDir, "dnsmasq.conf")
	if err := os.WriteFile(path, []byte(dnsmasqConfig(p.iface, ip)), 0o644); err != nil {
		return fmt.Errorf("write dnsmasq config: %w", err)
	}
	proc, err := p.spawn("dnsmasq", "-C", path, "--no-daemon")
	if err != nil {
		return err
	}
	p.proc = proc
	p.logger.Info("captive portal started", "ip", ip)
	return nil
}

func (p *DNSMasqPortal) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return nil
	}
	err := p.proc.Stop()
	p.proc = nil
	if err != nil {
		return fmt.Errorf("stop dnsmasq: %w", err)
	}
	return nil
}

func dnsmasqConfig(iface string, ip netip.Addr) string {
	b := ip.As4()
	lo := netip.AddrFrom4([4]byte{b[0], b[1], b[2], 2})
	hi := netip.AddrFrom4([4]byte{b[0], b[1], b[2], 20})
	return fmt.Sprintf(`interface=%s
bind-interfaces
dhcp-range=%s,%s,255.255.255.0,24h
dhcp-option=option:router,%s
address=/#/%s
`, iface, lo, hi, ip, ip)
}
