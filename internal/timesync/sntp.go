package timesync

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

const defaultQueryTimeout = 5 * time.Second

// NTP starts an asynchronous time query. A successful query sets the clock;
// the manager detects it by polling the clock.
type NTP interface {
	Begin(servers ...string)
}

// SNTP queries servers in order until one answers and sets the clock from
// the measured offset.
type SNTP struct {
	clock   Clock
	logger  *slog.Logger
	timeout time.Duration
	query   func(host string, timeout time.Duration) (time.Duration, error)

	running atomic.Bool
	server  atomic.Pointer[string]
}

// NewSNTP creates a client bound to clock.
func NewSNTP(clock Clock, logger *slog.Logger) *SNTP {
	return &SNTP{
		clock:   clock,
		logger:  logger.With("component", "sntp"),
		timeout: defaultQueryTimeout,
		query:   queryOffset,
	}
}

// Begin starts a query unless one is already in flight.
func (c *SNTP) Begin(servers ...string) {
	if len(servers) == 0 {
		c.logger.Warn("no ntp servers configured")
		return
	}
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("ntp query already running")
		return
	}
	go func() {
		defer c.running.Store(false)
		c.run(servers)
	}()
}

// LastServer returns the server that answered most recently.
func (c *SNTP) LastServer() string {
	if p := c.server.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *SNTP) run(servers []string) {
	for _, host := range servers {
		offset, err := c.query(host, c.timeout)
		if err != nil {
			c.logger.Warn("ntp query failed", "server", host, "err", err)
			continue
		}
		c.clock.Set(time.Now().Add(offset))
		c.server.Store(&host)
		c.logger.Info("ntp time received", "server", host, "offset", offset)
		return
	}
}

func queryOffset(host string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", host, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("validate %s: %w", host, err)
	}
	return resp.ClockOffset, nil
}
