package device

import (
	"time"

	"chronoclock/internal/display"
	"chronoclock/internal/netmgr"
	"chronoclock/internal/timesync"
)

// Status is a point-in-time snapshot for the web UI and MQTT.
type Status struct {
	Mode            string         `json:"mode"`
	IsAP            bool           `json:"isAP"`
	Network         netmgr.State   `json:"network"`
	NetworkState    string         `json:"networkState"`
	SSID            string         `json:"ssid,omitempty"`
	Sync            timesync.State `json:"sync"`
	SyncState       string         `json:"syncState"`
	LastSync        time.Time      `json:"lastSync,omitempty"`
	Time            time.Time      `json:"time"`
	TimeZone        string         `json:"timeZone"`
	RTC             bool           `json:"rtc"`
	RTCTrusted      bool           `json:"rtcTrusted"`
	CountdownTarget int64          `json:"countdownTarget"`
	CountdownLocked bool           `json:"countdownLocked"`
	Frame           display.Frame  `json:"frame"`
	Brightness      int            `json:"brightness"`
	FlipDisplay     bool           `json:"flipDisplay"`
}

// Status returns a snapshot of the device.
func (d *Device) Status() Status {
	ns := d.net.State()
	ss := d.sync.State()
	st := Status{
		Mode:            d.net.Mode(),
		IsAP:            ns.Kind == netmgr.AccessPoint,
		Network:         ns,
		NetworkState:    ns.Kind.String(),
		Sync:            ss,
		SyncState:       ss.Kind.String(),
		LastSync:        d.sync.LastSuccess(),
		Time:            d.Now(),
		TimeZone:        d.loc.String(),
		RTC:             d.keeper.HasRTC(),
		RTCTrusted:      d.keeper.Trusted(),
		CountdownTarget: d.cfg.CountdownTarget,
		CountdownLocked: d.cfg.CountdownLocked,
		Frame:           d.frame,
		Brightness:      d.cfg.Brightness,
		FlipDisplay:     d.cfg.FlipDisplay,
	}
	if ns.Kind == netmgr.Connected || ns.Kind == netmgr.Connecting {
		st.SSID = d.cfg.Networks[ns.Index].SSID
	}
	return st
}
