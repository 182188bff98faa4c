// Package settings holds the user-editable clock configuration and the
// flash-backed store that persists it.
package settings

import (
	"encoding/json"
	"unicode/utf8"
)

const (
	MaxNetworks    = 10
	MaxSSIDLen     = 31
	MaxPasswordLen = 63

	MinBrightness = 1
	MaxBrightness = 15

	// MaskedPassword is shown instead of stored passwords and ignored on update.
	MaskedPassword = "********"
)

// Defaults applied when a key is missing from the stored file.
const (
	DefaultMDNS       = "chronoclock"
	DefaultTimeZone   = "Etc/UTC"
	DefaultBrightness = 7
	DefaultNTPServer1 = "pool.ntp.org"
	DefaultNTPServer2 = "time.nist.gov"
)

// Credential is one WiFi network slot. An empty SSID marks the slot unused.
type Credential struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Empty reports whether the slot is unused.
func (c Credential) Empty() bool {
	return c.SSID == ""
}

// Settings is the full persisted configuration record.
type Settings struct {
	// MDNS is the hostname the clock should answer to. It is stored only;
	// announcing it is left to the host's mDNS responder.
	MDNS            string
	APSSID          string
	APPassword      string
	Networks        [MaxNetworks]Credential
	TimeZone        string
	NTPServer1      string
	NTPServer2      string
	Brightness      int
	FlipDisplay     bool
	TwelveHourMode  bool
	CountdownLocked bool

	// CountdownTarget is a Unix timestamp; zero selects clock mode.
	CountdownTarget int64
}

// Defaults returns the settings of a freshly installed clock.
func Defaults() Settings {
	return Settings{
		MDNS:       DefaultMDNS,
		TimeZone:   DefaultTimeZone,
		NTPServer1: DefaultNTPServer1,
		NTPServer2: DefaultNTPServer2,
		Brightness: DefaultBrightness,
	}
}

// Normalize clamps brightness and truncates strings to their slot sizes.
func (s *Settings) Normalize() {
	s.Brightness = ClampBrightness(s.Brightness)
	for i := range s.Networks {
		s.Networks[i].SSID = truncate(s.Networks[i].SSID, MaxSSIDLen)
		s.Networks[i].Password = truncate(s.Networks[i].Password, MaxPasswordLen)
	}
	s.APSSID = truncate(s.APSSID, MaxSSIDLen)
	s.APPassword = truncate(s.APPassword, MaxPasswordLen)
	if s.TimeZone == "" {
		s.TimeZone = DefaultTimeZone
	}
}

// HasNetworks reports whether at least one credential slot is in use.
func (s Settings) HasNetworks() bool {
	for _, c := range s.Networks {
		if !c.Empty() {
			return true
		}
	}
	return false
}

// NTPServers returns the configured servers, skipping empty entries.
func (s Settings) NTPServers() []string {
	var out []string
	for _, srv := range []string{s.NTPServer1, s.NTPServer2} {
		if srv != "" {
			out = append(out, srv)
		}
	}
	return out
}

// Masked returns a copy safe to hand to the web UI.
func (s Settings) Masked() Settings {
	for i := range s.Networks {
		if s.Networks[i].Password != "" {
			s.Networks[i].Password = MaskedPassword
		}
	}
	if s.APPassword != "" {
		s.APPassword = MaskedPassword
	}
	return s
}

// ClampBrightness forces n into [MinBrightness, MaxBrightness].
func ClampBrightness(n int) int {
	if n < MinBrightness {
		return MinBrightness
	}
	if n > MaxBrightness {
		return MaxBrightness
	}
	return n
}

// fileFormat mirrors the on-flash config.json layout.
type fileFormat struct {
	MDNS            string        `json:"mdns"`
	APSSID          string        `json:"apSsid"`
	APPassword      string        `json:"apPassword"`
	SSIDs           []string      `json:"ssids"`
	Passwords       []string      `json:"passwords"`
	TimeZone        string        `json:"timeZone"`
	Brightness      int           `json:"brightness"`
	FlipDisplay     bool          `json:"flipDisplay"`
	TwelveHourMode  bool          `json:"twelveHourMode"`
	CountdownLocked bool          `json:"countdownLocked"`
	NTPServer1      string        `json:"ntpServer1"`
	NTPServer2      string        `json:"ntpServer2"`
	Countdown       countdownJSON `json:"countupdown"`
}

type countdownJSON struct {
	TargetTimestamp int64 `json:"targetTimestamp"`
}

// MarshalJSON encodes the settings in the config.json layout.
func (s Settings) MarshalJSON() ([]byte, error) {
	f := fileFormat{
		MDNS:            s.MDNS,
		APSSID:          s.APSSID,
		APPassword:      s.APPassword,
		SSIDs:           make([]string, MaxNetworks),
		Passwords:       make([]string, MaxNetworks),
		TimeZone:        s.TimeZone,
		Brightness:      s.Brightness,
		FlipDisplay:     s.FlipDisplay,
		TwelveHourMode:  s.TwelveHourMode,
		CountdownLocked: s.CountdownLocked,
		NTPServer1:      s.NTPServer1,
		NTPServer2:      s.NTPServer2,
		Countdown:       countdownJSON{TargetTimestamp: s.CountdownTarget},
	}
	for i, c := range s.Networks {
		f.SSIDs[i] = c.SSID
		f.Passwords[i] = c.Password
	}
	return json.Marshal(f)
}

// UnmarshalJSON decodes the config.json layout. Keys absent from data keep
// the values already present in s, so callers decode into Defaults().
func (s *Settings) UnmarshalJSON(data []byte) error {
	f := fileFormat{
		MDNS:            s.MDNS,
		APSSID:          s.APSSID,
		APPassword:      s.APPassword,
		TimeZone:        s.TimeZone,
		Brightness:      s.Brightness,
		FlipDisplay:     s.FlipDisplay,
		TwelveHourMode:  s.TwelveHourMode,
		CountdownLocked: s.CountdownLocked,
		NTPServer1:      s.NTPServer1,
		NTPServer2:      s.NTPServer2,
		Countdown:       countdownJSON{TargetTimestamp: s.CountdownTarget},
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	s.MDNS = f.MDNS
	s.APSSID = f.APSSID
	s.APPassword = f.APPassword
	s.TimeZone = f.TimeZone
	s.Brightness = f.Brightness
	s.FlipDisplay = f.FlipDisplay
	s.TwelveHourMode = f.TwelveHourMode
	s.CountdownLocked = f.CountdownLocked
	s.NTPServer1 = f.NTPServer1
	s.NTPServer2 = f.NTPServer2
	s.CountdownTarget = f.Countdown.TargetTimestamp
	for i := 0; i < MaxNetworks; i++ {
		var c Credential
		if i < len(f.SSIDs) {
			c.SSID = f.SSIDs[i]
		}
		if i < len(f.Passwords) {
			c.Password = f.Passwords[i]
		}
		s.Networks[i] = c
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
