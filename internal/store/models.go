package store

import "time"

// ClockState survives restarts alongside the RTC.
type ClockState struct {
	RTCTrusted bool      `json:"rtc_trusted"`
	LastSync   time.Time `json:"last_sync"`
	Boots      int       `json:"boots"`
}

// SyncRecord is one NTP sync outcome.
type SyncRecord struct {
	At      time.Time `json:"at"`
	OK      bool      `json:"ok"`
	Retries int       `json:"retries"`
	Server  string    `json:"server,omitempty"`
}
