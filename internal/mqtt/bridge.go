//go:build !no_mqtt

// Package mqtt mirrors the clock's status to an MQTT broker and accepts
// commands on a set topic, with Home Assistant discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"chronoclock/internal/device"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// NodeID identifies this clock in topics and discovery.
	NodeID string
	// Name is the display name in Home Assistant.
	Name string
}

// client is the subset of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the device to MQTT.
type Bridge struct {
	client client
	dev    *device.Device
	topics topics
	name   string
	logger *slog.Logger
	unsub  func()
}

type topics struct {
	base         string
	state        string
	set          string
	availability string
}

func newTopics(prefix, node string) topics {
	base := prefix + "/" + node
	return topics{
		base:         base,
		state:        base + "/state",
		set:          base + "/set",
		availability: base + "/availability",
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(dev *device.Device, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("mqtt: node id required")
	}
	b := &Bridge{
		dev:    dev,
		topics: newTopics(cfg.TopicPrefix, cfg.NodeID),
		name:   cfg.Name,
		logger: logger.With("component", "mqtt"),
	}
	if b.name == "" {
		b.name = cfg.NodeID
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("chronoclock-" + cfg.NodeID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.availability, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("mqtt connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to device events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.dev.Events().Subscribe(b.handleEvent,
		device.EventNetworkState, device.EventSyncState, device.EventCountdown,
		device.EventSettings, device.EventTimeSet)
	b.logger.Info("mqtt bridge started", "topic", b.topics.base)
}

// Stop publishes offline availability, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topics.availability, []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("mqtt bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publish(b.topics.availability, []byte("online"), true)
	for _, msg := range buildDiscovery(b.topics, b.name) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.client.Subscribe(b.topics.set, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})

	// Paho runs this handler on its own goroutine, so state is read through
	// the loop.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var st device.Status
	err := b.dev.Do(ctx, func(d *device.Device) error {
		st = d.Status()
		return nil
	})
	if err != nil {
		b.logger.Warn("read status for mqtt", "err", err)
		return
	}
	b.publishState(st)
}

// handleEvent runs on the device loop goroutine, where reading status
// directly is safe.
func (b *Bridge) handleEvent(device.Event) {
	b.publishState(b.dev.Status())
}

// statePayload is the retained document on the state topic.
type statePayload struct {
	Mode            string `json:"mode"`
	Network         string `json:"network"`
	SSID            string `json:"ssid,omitempty"`
	Sync            string `json:"sync"`
	LastSync        string `json:"last_sync,omitempty"`
	TimeZone        string `json:"time_zone"`
	RTCTrusted      bool   `json:"rtc_trusted"`
	Countdown       string `json:"countdown"`
	CountdownTarget int64  `json:"countdown_target"`
	CountdownLocked bool   `json:"countdown_locked"`
	Brightness      int    `json:"brightness"`
	Flip            string `json:"flip"`
}

func newStatePayload(st device.Status) statePayload {
	p := statePayload{
		Mode:            st.Mode,
		Network:         st.NetworkState,
		SSID:            st.SSID,
		Sync:            st.SyncState,
		TimeZone:        st.TimeZone,
		RTCTrusted:      st.RTCTrusted,
		Countdown:       "off",
		CountdownTarget: st.CountdownTarget,
		CountdownLocked: st.CountdownLocked,
		Brightness:      st.Brightness,
		Flip:            onOff(st.FlipDisplay),
	}
	if !st.LastSync.IsZero() {
		p.LastSync = st.LastSync.UTC().Format(time.RFC3339)
	}
	if st.CountdownTarget != 0 {
		p.Countdown = "on"
	}
	return p
}

func (b *Bridge) publishState(st device.Status) {
	b.publish(b.topics.state, mustJSON(newStatePayload(st)), true)
}

// command is the JSON accepted on the set topic. Every field is optional;
// fields are applied in declaration order.
type command struct {
	Brightness *int    `json:"brightness"`
	Flip       *string `json:"flip"`
	Countdown  *string `json:"countdown"`
	Target     *int64  `json:"countdown_target"`
	Adjust     *int64  `json:"adjust"`
	Action     string  `json:"action"`
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.dev.Do(ctx, func(d *device.Device) error {
		return applyCommand(d, cmd)
	})
	if err != nil {
		b.logger.Warn("mqtt command failed", "err", err)
	}
}

func applyCommand(d *device.Device, cmd command) error {
	if cmd.Brightness != nil {
		if err := d.SetBrightness(*cmd.Brightness); err != nil {
			return fmt.Errorf("set brightness: %w", err)
		}
	}
	if cmd.Flip != nil {
		if err := d.SetFlip(*cmd.Flip == "on"); err != nil {
			return fmt.Errorf("set flip: %w", err)
		}
	}
	if cmd.Countdown != nil {
		if err := d.SetCountdownFromLocal(*cmd.Countdown); err != nil {
			return fmt.Errorf("set countdown: %w", err)
		}
	}
	if cmd.Target != nil {
		if err := d.SetCountdownTarget(*cmd.Target); err != nil {
			return fmt.Errorf("set countdown target: %w", err)
		}
	}
	if cmd.Adjust != nil {
		if err := d.AdjustCountdownTarget(*cmd.Adjust); err != nil {
			return fmt.Errorf("adjust countdown: %w", err)
		}
	}

	switch cmd.Action {
	case "":
	case "countup":
		return d.StartCountup()
	case "stop":
		return d.ClearCountdownTarget()
	case "ntp_sync":
		d.RequestNtpSync()
	case "connect":
		d.RequestConnect()
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("mqtt publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("mqtt publish error", "topic", topic, "err", err)
		}
	}()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
