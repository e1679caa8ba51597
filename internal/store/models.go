package store

import (
	"encoding/json"
	"time"
)

type Credential struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"-"`
	OwnerID  string `json:"owner_id"`
}

type Device struct {
	ID             string     `json:"id"`
	ClientName     string     `json:"client_name"`
	IPAddress      string     `json:"ip_address"`
	Node           string     `json:"node"`
	MAC            string     `json:"mac"`
	Status         string     `json:"status"`
	CredentialID   *int64     `json:"credential_id"`
	IsMaestro      bool       `json:"is_maestro"`
	MaestroID      *string    `json:"maestro_id"`
	VPNProfileID   *int64     `json:"vpn_profile_id"`
	OwnerID        string     `json:"owner_id"`
	LastAuthOK     *time.Time `json:"last_auth_ok"`
	LastAuthFail   *time.Time `json:"last_auth_fail"`
	RotationsCount int        `json:"rotations_count"`
	WGAddress      *string    `json:"wg_address,omitempty"`
}

type VPNProfile struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	ConfigData string  `json:"config_data"`
	CheckIP    *string `json:"check_ip"`
	IsDefault  bool    `json:"is_default"`
	OwnerID    string  `json:"owner_id"`
}

type Monitor struct {
	ID       int64  `json:"id"`
	DeviceID string `json:"device_id"`
	OwnerID  string `json:"owner_id"`
}

type Sensor struct {
	ID         int64           `json:"id"`
	MonitorID  int64           `json:"monitor_id"`
	SensorType string          `json:"sensor_type"`
	Name       string          `json:"name"`
	Config     json.RawMessage `json:"config"`
	OwnerID    string          `json:"owner_id"`
}

type NotificationChannel struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config"`
	OwnerID string          `json:"owner_id"`
}

type PingResult struct {
	SensorID  int64     `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMS *int      `json:"latency_ms"`
	Status    string    `json:"status"`
}

type EthernetResult struct {
	SensorID  int64     `json:"sensor_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Speed     string    `json:"speed"`
	RxBitrate string    `json:"rx_bitrate"`
	TxBitrate string    `json:"tx_bitrate"`
}

type AlertHistoryEntry struct {
	ID        int64           `json:"id"`
	SensorID  int64           `json:"sensor_id"`
	ChannelID int64           `json:"channel_id"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details"`
}
