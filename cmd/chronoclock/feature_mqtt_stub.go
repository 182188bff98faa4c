//go:build no_mqtt

package main

import (
	"log/slog"

	"chronoclock/internal/device"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *device.Device, _ string, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
