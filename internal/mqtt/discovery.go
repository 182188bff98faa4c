//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Min               int      `json:"min,omitempty"`
	Max               int      `json:"max,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// entity describes one Home Assistant entity of the clock.
type entity struct {
	component string
	object    string
	name      string
	build     func(d *haDiscovery)
}

func stateValue(field string) string {
	return "{{ value_json." + field + " }}"
}

var entities = []entity{
	{"sensor", "network", "Network", func(d *haDiscovery) {
		d.ValueTemplate = stateValue("network")
		d.Icon = "mdi:wifi"
	}},
	{"sensor", "sync", "Time sync", func(d *haDiscovery) {
		d.ValueTemplate = stateValue("sync")
		d.Icon = "mdi:clock-check-outline"
	}},
	{"sensor", "last_sync", "Last sync", func(d *haDiscovery) {
		d.ValueTemplate = stateValue("last_sync")
		d.DeviceClass = "timestamp"
	}},
	{"sensor", "countdown_target", "Countdown target", func(d *haDiscovery) {
		d.ValueTemplate = "{{ as_datetime(value_json.countdown_target) if value_json.countdown_target else None }}"
		d.DeviceClass = "timestamp"
	}},
	{"number", "brightness", "Brightness", func(d *haDiscovery) {
		d.ValueTemplate = stateValue("brightness")
		d.CommandTemplate = `{"brightness": {{ value | int }}}`
		d.Min = 1
		d.Max = 15
		d.Icon = "mdi:brightness-6"
	}},
	{"switch", "flip", "Flip display", func(d *haDiscovery) {
		d.ValueTemplate = stateValue("flip")
		d.CommandTemplate = `{"flip": "{{ value }}"}`
		d.PayloadOn = "on"
		d.PayloadOff = "off"
	}},
	{"button", "ntp_sync", "Sync time", func(d *haDiscovery) {
		d.StateTopic = ""
		d.PayloadPress = `{"action": "ntp_sync"}`
	}},
	{"button", "countup", "Start count-up", func(d *haDiscovery) {
		d.StateTopic = ""
		d.PayloadPress = `{"action": "countup"}`
	}},
	{"button", "stop", "Stop countdown", func(d *haDiscovery) {
		d.StateTopic = ""
		d.PayloadPress = `{"action": "stop"}`
	}},
}

// nodeIdentifier makes a discovery-safe id: lower case, [a-z0-9_-] only.
func nodeIdentifier(base string) string {
	node := base[strings.LastIndex(base, "/")+1:]
	return "chronoclock_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, node)
}

// buildDiscovery generates discovery messages for every clock entity.
func buildDiscovery(t topics, name string) []discoveryMsg {
	nodeID := nodeIdentifier(t.base)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "chronoclock",
		Model:        "LED matrix clock",
		Name:         name,
	}

	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		d := haDiscovery{
			Name:              name + " " + e.name,
			UniqueID:          nodeID + "_" + e.object,
			StateTopic:        t.state,
			AvailabilityTopic: t.availability,
			Device:            haDev,
		}
		if e.component != "sensor" {
			d.CommandTopic = t.set
		}
		e.build(&d)
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.object),
			Payload: mustJSON(d),
		})
	}
	return msgs
}
