package timesync

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeNTP struct {
	calls [][]string
}

func (n *fakeNTP) Begin(servers ...string) {
	n.calls = append(n.calls, servers)
}

type fakeRTC struct {
	t         time.Time
	lost      bool
	adjusts   int
	readErr   error
	adjustErr error
	adjusted  time.Time
}

func (r *fakeRTC) Now() (time.Time, error) { return r.t, r.readErr }
func (r *fakeRTC) LostPower() (bool, error) { return r.lost, nil }
func (r *fakeRTC) Adjust(t time.Time) error {
	if r.adjustErr != nil {
		return r.adjustErr
	}
	r.adjusts++
	r.adjusted = t
	r.t = t
	r.lost = false
	return nil
}

var (
	mono0   = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	realNow = time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)
)

func newTestManager(rtc RTC) (*Manager, *fakeClock, *fakeNTP) {
	clock := &fakeClock{t: realNow}
	ntp := &fakeNTP{}
	keeper := NewTimekeeper(clock, rtc, false, testLogger())
	m := New(keeper, ntp, testLogger())
	m.SetServers("a.example", "b.example")
	return m, clock, ntp
}

func TestRequestSyncRequiresConnection(t *testing.T) {
	m, clock, ntp := newTestManager(nil)

	if m.RequestSync(mono0, false) {
		t.Fatal("sync started without connection")
	}
	if m.State().Kind != Idle {
		t.Errorf("state = %v, want idle", m.State().Kind)
	}
	if len(ntp.calls) != 0 {
		t.Errorf("ntp begun %d times", len(ntp.calls))
	}
	if !clock.Now().Equal(realNow) {
		t.Error("clock reset without connection")
	}
}

func TestRequestSyncResetsClock(t *testing.T) {
	m, clock, ntp := newTestManager(nil)

	if !m.RequestSync(mono0, true) {
		t.Fatal("sync not started")
	}
	s := m.State()
	if s.Kind != Syncing || s.Retry != 1 {
		t.Errorf("state = %+v, want syncing retry 1", s)
	}
	if clock.Now().Unix() != 0 {
		t.Errorf("clock = %v, want epoch", clock.Now())
	}
	if len(ntp.calls) != 1 || len(ntp.calls[0]) != 2 || ntp.calls[0][0] != "a.example" {
		t.Errorf("ntp calls = %v", ntp.calls)
	}
}

func TestRequestSyncWhileSyncingIsNoop(t *testing.T) {
	m, _, ntp := newTestManager(nil)
	m.RequestSync(mono0, true)
	if m.RequestSync(mono0.Add(time.Second), true) {
		t.Error("second request started a sync")
	}
	if len(ntp.calls) != 1 {
		t.Errorf("ntp calls = %d, want 1", len(ntp.calls))
	}
}

func TestSyncSuccess(t *testing.T) {
	rtc := &fakeRTC{lost: true}
	m, clock, _ := newTestManager(rtc)

	m.RequestSync(mono0, true)
	clock.Set(realNow)
	m.Tick(mono0.Add(time.Second), true)

	if m.State().Kind != Success {
		t.Fatalf("state = %v, want success", m.State().Kind)
	}
	if rtc.adjusts != 1 || !rtc.adjusted.Equal(realNow) {
		t.Errorf("rtc adjusts=%d time=%v", rtc.adjusts, rtc.adjusted)
	}
	if !m.LastSuccess().Equal(realNow) {
		t.Errorf("last success = %v", m.LastSuccess())
	}
}

func TestRetryCapSettlesIdle(t *testing.T) {
	m, _, ntp := newTestManager(nil)
	now := mono0
	m.RequestSync(now, true)

	for i := 0; i < 20; i++ {
		now = now.Add(DefaultSyncTimeout)
		m.Tick(now, true)
		if r := m.State().Retry; r > MaxRetries {
			t.Fatalf("retry = %d exceeds %d", r, MaxRetries)
		}
		if m.State().Kind == Idle {
			break
		}
	}

	if m.State().Kind != Idle {
		t.Fatalf("state = %v, want idle", m.State().Kind)
	}
	if len(ntp.calls) != MaxRetries {
		t.Errorf("ntp calls = %d, want %d", len(ntp.calls), MaxRetries)
	}
}

func TestFailedRetriesWithoutClockReset(t *testing.T) {
	m, clock, _ := newTestManager(nil)
	m.RequestSync(mono0, true)
	m.Tick(mono0.Add(DefaultSyncTimeout), true)
	if m.State().Kind != Failed {
		t.Fatalf("state = %v, want failed", m.State().Kind)
	}

	// The clock moved forward on its own but stays below the threshold.
	clock.Set(time.Unix(500, 0))
	m.Tick(mono0.Add(DefaultSyncTimeout+time.Millisecond), true)
	s := m.State()
	if s.Kind != Syncing || s.Retry != 2 {
		t.Fatalf("state = %+v, want syncing retry 2", s)
	}
	if clock.Now().Unix() != 500 {
		t.Errorf("clock reset on retry: %v", clock.Now())
	}
}

func TestFailedWithoutNetworkGoesIdle(t *testing.T) {
	m, _, ntp := newTestManager(nil)
	m.RequestSync(mono0, true)
	m.Tick(mono0.Add(DefaultSyncTimeout), true)
	m.Tick(mono0.Add(DefaultSyncTimeout+time.Second), false)

	if m.State().Kind != Idle {
		t.Fatalf("state = %v, want idle", m.State().Kind)
	}
	if len(ntp.calls) != 1 {
		t.Errorf("ntp calls = %d, want 1", len(ntp.calls))
	}
}

func TestSyncingAbortsWhenNetworkLost(t *testing.T) {
	m, _, _ := newTestManager(nil)
	m.RequestSync(mono0, true)
	m.Tick(mono0.Add(time.Second), false)
	if m.State().Kind != Idle {
		t.Errorf("state = %v, want idle", m.State().Kind)
	}
}

func TestPeriodicResync(t *testing.T) {
	t.Run("without rtc", func(t *testing.T) {
		m, clock, ntp := newTestManager(nil)
		m.RequestSync(mono0, true)
		clock.Set(realNow)
		m.Tick(mono0.Add(time.Second), true)

		m.Tick(mono0.Add(DefaultResyncInterval-time.Second), true)
		if m.State().Kind != Success {
			t.Fatalf("state = %v, want success", m.State().Kind)
		}
		m.Tick(mono0.Add(DefaultResyncInterval), true)
		if m.State().Kind != Syncing || len(ntp.calls) != 2 {
			t.Errorf("state = %v calls = %d, want syncing/2", m.State().Kind, len(ntp.calls))
		}
	})

	t.Run("with rtc", func(t *testing.T) {
		m, clock, ntp := newTestManager(&fakeRTC{})
		m.RequestSync(mono0, true)
		clock.Set(realNow)
		m.Tick(mono0.Add(time.Second), true)
		m.Tick(mono0.Add(2*DefaultResyncInterval), true)
		if m.State().Kind != Success || len(ntp.calls) != 1 {
			t.Errorf("state = %v calls = %d, want success/1", m.State().Kind, len(ntp.calls))
		}
	})
}

func TestFailedResyncKeepsWallTime(t *testing.T) {
	m, clock, ntp := newTestManager(nil)
	m.RequestSync(mono0, true)
	clock.Set(realNow)
	m.Tick(mono0.Add(time.Second), true)
	if m.State().Kind != Success {
		t.Fatalf("state = %v, want success", m.State().Kind)
	}

	now := mono0.Add(DefaultResyncInterval)
	m.Tick(now, true)
	if m.State().Kind != Syncing {
		t.Fatalf("state = %v, want syncing", m.State().Kind)
	}
	// The zeroed clock runs on while the server stays silent.
	clock.Set(time.Unix(4, 0))
	if got := m.keeper.Now(); !got.Equal(realNow.Add(4 * time.Second)) {
		t.Errorf("display time while syncing = %v", got)
	}

	for i := 0; i < 20 && m.State().Kind != Idle; i++ {
		now = now.Add(DefaultSyncTimeout)
		m.Tick(now, true)
	}
	if m.State().Kind != Idle || len(ntp.calls) != 1+MaxRetries {
		t.Fatalf("state = %v calls = %d", m.State().Kind, len(ntp.calls))
	}
	if got := clock.Now(); !got.Equal(realNow.Add(4 * time.Second)) {
		t.Errorf("clock after failed resync = %v, want %v", got, realNow.Add(4*time.Second))
	}
	if got := m.keeper.Now(); got.Year() != 2025 {
		t.Errorf("display time after failed resync = %v", got)
	}
}

func TestNetworkLossDuringSyncRestoresClock(t *testing.T) {
	m, clock, _ := newTestManager(nil)
	m.RequestSync(mono0, true)
	if clock.Now().Unix() != 0 {
		t.Fatalf("clock = %v, want epoch", clock.Now())
	}
	m.Tick(mono0.Add(time.Second), false)
	if m.State().Kind != Idle {
		t.Fatalf("state = %v, want idle", m.State().Kind)
	}
	if !clock.Now().Equal(realNow) {
		t.Errorf("clock = %v, want %v", clock.Now(), realNow)
	}
}

func TestSuccessfulSyncDropsHeldTime(t *testing.T) {
	m, clock, _ := newTestManager(nil)
	answer := realNow.Add(-time.Hour)
	m.RequestSync(mono0, true)
	clock.Set(answer)
	m.Tick(mono0.Add(time.Second), true)
	if !m.keeper.Now().Equal(answer) {
		t.Errorf("display time = %v, want server time %v", m.keeper.Now(), answer)
	}
}

func TestTimekeeper(t *testing.T) {
	rtcTime := time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC)

	t.Run("untrusted rtc ignored", func(t *testing.T) {
		clock := &fakeClock{t: realNow}
		k := NewTimekeeper(clock, &fakeRTC{t: rtcTime}, false, testLogger())
		if !k.Now().Equal(realNow) {
			t.Errorf("now = %v, want system clock", k.Now())
		}
	})

	t.Run("trusted rtc seeds clock", func(t *testing.T) {
		clock := &fakeClock{t: time.Unix(0, 0)}
		k := NewTimekeeper(clock, &fakeRTC{t: rtcTime}, true, testLogger())
		if err := k.Boot(); err != nil {
			t.Fatal(err)
		}
		if !clock.Now().Equal(rtcTime) || !k.Now().Equal(rtcTime) {
			t.Errorf("clock = %v now = %v", clock.Now(), k.Now())
		}
	})

	t.Run("lost power untrusts", func(t *testing.T) {
		clock := &fakeClock{t: realNow}
		k := NewTimekeeper(clock, &fakeRTC{t: rtcTime, lost: true}, true, testLogger())
		if err := k.Boot(); err != nil {
			t.Fatal(err)
		}
		if k.Trusted() {
			t.Error("rtc trusted after power loss")
		}
		if !k.Now().Equal(realNow) {
			t.Errorf("now = %v, want system clock", k.Now())
		}
	})

	t.Run("read error falls back", func(t *testing.T) {
		clock := &fakeClock{t: realNow}
		k := NewTimekeeper(clock, &fakeRTC{readErr: errors.New("i2c nack")}, true, testLogger())
		if !k.Now().Equal(realNow) {
			t.Errorf("now = %v, want system clock", k.Now())
		}
	})

	t.Run("manual set", func(t *testing.T) {
		clock := &fakeClock{}
		rtc := &fakeRTC{}
		k := NewTimekeeper(clock, rtc, false, testLogger())
		if err := k.SetManual(rtcTime); err != nil {
			t.Fatal(err)
		}
		if !k.Trusted() || !clock.Now().Equal(rtcTime) || rtc.adjusts != 1 {
			t.Errorf("trusted=%v clock=%v adjusts=%d", k.Trusted(), clock.Now(), rtc.adjusts)
		}
	})

	t.Run("manual set rejected by rtc", func(t *testing.T) {
		clock := &fakeClock{t: realNow}
		errRange := errors.New("year outside range")
		k := NewTimekeeper(clock, &fakeRTC{adjustErr: errRange}, false, testLogger())
		if err := k.SetManual(time.Date(1999, 12, 31, 23, 0, 0, 0, time.UTC)); !errors.Is(err, errRange) {
			t.Fatalf("err = %v, want %v", err, errRange)
		}
		if !clock.Now().Equal(realNow) || k.Trusted() {
			t.Errorf("clock = %v trusted = %v after rejected set", clock.Now(), k.Trusted())
		}
	})
}

func TestSystemClockSet(t *testing.T) {
	c := NewSystemClock()
	target := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(target)
	if d := c.Now().Sub(target); d < 0 || d > time.Second {
		t.Errorf("now - target = %v", d)
	}
	c.Set(time.Unix(0, 0))
	if c.Now().Unix() > 1 {
		t.Errorf("now = %v, want epoch", c.Now())
	}
}

func TestSNTPSetsClockFromFirstAnsweringServer(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := NewSNTP(clock, testLogger())
	var asked []string
	c.query = func(host string, _ time.Duration) (time.Duration, error) {
		asked = append(asked, host)
		if host == "down.example" {
			return 0, errors.New("timeout")
		}
		return time.Hour, nil
	}

	c.run([]string{"down.example", "up.example", "never.example"})

	if len(asked) != 2 {
		t.Errorf("asked = %v", asked)
	}
	if c.LastServer() != "up.example" {
		t.Errorf("last server = %q", c.LastServer())
	}
	if d := clock.Now().Sub(time.Now()); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("clock offset = %v, want ~1h", d)
	}
}
