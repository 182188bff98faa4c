package settings

// Update is a partial settings change submitted from the web UI or MQTT.
// Nil fields are left untouched.
type Update struct {
	MDNS            *string   `json:"mdns,omitempty"`
	APSSID          *string   `json:"apSsid,omitempty"`
	APPassword      *string   `json:"apPassword,omitempty"`
	SSIDs           []*string `json:"ssids,omitempty"`
	Passwords       []*string `json:"passwords,omitempty"`
	TimeZone        *string   `json:"timeZone,omitempty"`
	Brightness      *int      `json:"brightness,omitempty"`
	FlipDisplay     *bool     `json:"flipDisplay,omitempty"`
	TwelveHourMode  *bool     `json:"twelveHourMode,omitempty"`
	CountdownLocked *bool     `json:"countdownLocked,omitempty"`
	NTPServer1      *string   `json:"ntpServer1,omitempty"`
	NTPServer2      *string   `json:"ntpServer2,omitempty"`
}

// Changes reports which subsystems an applied Update touched.
type Changes struct {
	Networks bool
	AP       bool
	Display  bool
	Clock    bool
	Hostname bool
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.Networks || c.AP || c.Display || c.Clock || c.Hostname
}

// ApplyUpdate merges u into s. Empty or masked passwords keep the stored
// value, so a form echoed back from Masked() does not wipe credentials.
func (s *Settings) ApplyUpdate(u Update) Changes {
	var ch Changes

	if u.MDNS != nil && *u.MDNS != s.MDNS {
		s.MDNS = *u.MDNS
		ch.Hostname = true
	}
	if u.APSSID != nil {
		v := truncate(*u.APSSID, MaxSSIDLen)
		if v != s.APSSID {
			s.APSSID = v
			ch.AP = true
		}
	}
	if u.APPassword != nil && passwordProvided(*u.APPassword) {
		v := truncate(*u.APPassword, MaxPasswordLen)
		if v != s.APPassword {
			s.APPassword = v
			ch.AP = true
		}
	}

	for i, p := range u.SSIDs {
		if i >= MaxNetworks || p == nil {
			continue
		}
		v := truncate(*p, MaxSSIDLen)
		if v != s.Networks[i].SSID {
			s.Networks[i].SSID = v
			ch.Networks = true
		}
	}
	for i, p := range u.Passwords {
		if i >= MaxNetworks || p == nil || !passwordProvided(*p) {
			continue
		}
		v := truncate(*p, MaxPasswordLen)
		if v != s.Networks[i].Password {
			s.Networks[i].Password = v
			ch.Networks = true
		}
	}
	// A cleared slot drops its password with it.
	for i := range s.Networks {
		if s.Networks[i].Empty() && s.Networks[i].Password != "" {
			s.Networks[i].Password = ""
			ch.Networks = true
		}
	}

	if u.TimeZone != nil && *u.TimeZone != "" && *u.TimeZone != s.TimeZone {
		s.TimeZone = *u.TimeZone
		ch.Clock = true
	}
	if u.NTPServer1 != nil && *u.NTPServer1 != s.NTPServer1 {
		s.NTPServer1 = *u.NTPServer1
		ch.Clock = true
	}
	if u.NTPServer2 != nil && *u.NTPServer2 != s.NTPServer2 {
		s.NTPServer2 = *u.NTPServer2
		ch.Clock = true
	}
	if u.TwelveHourMode != nil && *u.TwelveHourMode != s.TwelveHourMode {
		s.TwelveHourMode = *u.TwelveHourMode
		ch.Display = true
	}
	if u.CountdownLocked != nil && *u.CountdownLocked != s.CountdownLocked {
		s.CountdownLocked = *u.CountdownLocked
		ch.Clock = true
	}

	if u.Brightness != nil {
		b := ClampBrightness(*u.Brightness)
		if b != s.Brightness {
			s.Brightness = b
			ch.Display = true
		}
	}
	if u.FlipDisplay != nil && *u.FlipDisplay != s.FlipDisplay {
		s.FlipDisplay = *u.FlipDisplay
		ch.Display = true
	}

	return ch
}

// ClearNetworks empties every credential slot.
func (s *Settings) ClearNetworks() {
	s.Networks = [MaxNetworks]Credential{}
}

func passwordProvided(p string) bool {
	return p != "" && p != MaskedPassword
}
