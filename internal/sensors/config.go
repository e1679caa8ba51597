package sensors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/m360-net/m360/internal/alerts"
)

const (
	defaultPingInterval     = 60 * time.Second
	defaultEthernetInterval = 30 * time.Second
	defaultLatencyThreshold = 150
)

// PingConfig is the config JSON of a ping sensor.
type PingConfig struct {
	IntervalSec        int           `json:"interval_sec"`
	LatencyThresholdMS int           `json:"latency_threshold_ms"`
	PingType           string        `json:"ping_type"`
	TargetIP           string        `json:"target_ip,omitempty"`
	Alerts             []alerts.Rule `json:"alerts"`
}

func (c PingConfig) Interval() time.Duration {
	if c.IntervalSec > 0 {
		return time.Duration(c.IntervalSec) * time.Second
	}
	return defaultPingInterval
}

// EthernetConfig is the config JSON of an ethernet sensor.
type EthernetConfig struct {
	IntervalSec   int           `json:"interval_sec"`
	InterfaceName string        `json:"interface_name"`
	InterfaceKind string        `json:"interface_kind"`
	Alerts        []alerts.Rule `json:"alerts"`
}

func (c EthernetConfig) Interval() time.Duration {
	if c.IntervalSec > 0 {
		return time.Duration(c.IntervalSec) * time.Second
	}
	return defaultEthernetInterval
}

func ParsePingConfig(raw json.RawMessage) (PingConfig, error) {
	var c PingConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("ping config: %w", err)
		}
	}
	if c.PingType == "" {
		c.PingType = "maestro_to_device"
	}
	if c.LatencyThresholdMS <= 0 {
		c.LatencyThresholdMS = defaultLatencyThreshold
	}
	if c.PingType == "device_to_target" && c.TargetIP == "" {
		return c, fmt.Errorf("ping config: device_to_target requires target_ip")
	}
	return c, nil
}

func ParseEthernetConfig(raw json.RawMessage) (EthernetConfig, error) {
	var c EthernetConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return c, fmt.Errorf("ethernet config: %w", err)
		}
	}
	if c.InterfaceName == "" {
		return c, fmt.Errorf("ethernet config: interface_name is required")
	}
	if c.InterfaceKind == "" {
		c.InterfaceKind = "auto"
	}
	return c, nil
}
