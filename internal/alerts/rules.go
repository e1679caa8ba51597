package alerts

// Rule is one alert entry from a sensor's config JSON.
type Rule struct {
	Type            string   `json:"type"`
	ChannelID       int64    `json:"channel_id"`
	CooldownMinutes int      `json:"cooldown_minutes"`
	ToleranceCount  int      `json:"tolerance_count"`
	ThresholdMS     *int     `json:"threshold_ms,omitempty"`
	ThresholdMbps   *float64 `json:"threshold_mbps,omitempty"`
	Direction       string   `json:"direction,omitempty"`
}

const (
	TypeTimeout          = "timeout"
	TypeHighLatency      = "high_latency"
	TypeSpeedChange      = "speed_change"
	TypeTrafficThreshold = "traffic_threshold"
	TypeLinkDown         = "link_down"
)

// Observation is one sensor cycle's outcome, flattened so the engine does
// not care which worker produced it.
type Observation struct {
	Status        string
	LatencyMS     *int
	Speed         string
	RxBPS         float64
	TxBPS         float64
	InterfaceKind string
}
