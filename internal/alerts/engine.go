package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/store"
)

// Store is the slice of the store the engine needs.
type Store interface {
	ChannelByID(ctx context.Context, owner string, id int64) (*store.NotificationChannel, error)
	InsertAlertHistory(ctx context.Context, e *store.AlertHistoryEntry) error
}

// Notifier delivers one alert message on a channel.
type Notifier interface {
	Send(ctx context.Context, ch *store.NotificationChannel, subject, message string) error
}

type alertKey struct {
	sensorID int64
	typ      string
}

// cooldown applied when a rule leaves cooldown_minutes unset.
const defaultCooldown = 5 * time.Minute

// Engine evaluates a sensor's alert rules against each cycle's outcome.
// A rule fires only after tolerance_count consecutive failures, then goes
// quiet for cooldown_minutes (5 when the rule leaves it unset). link_down
// and speed_change never fire for VLAN interfaces.
type Engine struct {
	log       *slog.Logger
	clock     clockwork.Clock
	store     Store
	notifiers map[string]Notifier

	mu         sync.Mutex
	failCounts map[alertKey]int
	lastFired  map[alertKey]time.Time
	lastSpeed  map[int64]string
}

func NewEngine(log *slog.Logger, clock clockwork.Clock, st Store, notifiers map[string]Notifier) *Engine {
	return &Engine{
		log:        log,
		clock:      clock,
		store:      st,
		notifiers:  notifiers,
		failCounts: make(map[alertKey]int),
		lastFired:  make(map[alertKey]time.Time),
		lastSpeed:  make(map[int64]string),
	}
}

// Evaluate runs every rule against the observation, then records the
// interface speed for the next speed_change comparison.
func (e *Engine) Evaluate(ctx context.Context, owner string, sensorID int64, sensorName string, rules []Rule, obs Observation) {
	for _, rule := range rules {
		e.evaluateRule(ctx, owner, sensorID, sensorName, rule, obs)
	}

	if obs.Speed != "" && obs.Speed != "N/A" {
		e.mu.Lock()
		e.lastSpeed[sensorID] = obs.Speed
		e.mu.Unlock()
	}
}

func (e *Engine) evaluateRule(ctx context.Context, owner string, sensorID int64, sensorName string, rule Rule, obs Observation) {
	if obs.InterfaceKind == "vlan" && (rule.Type == TypeLinkDown || rule.Type == TypeSpeedChange) {
		return
	}

	key := alertKey{sensorID: sensorID, typ: rule.Type}
	now := e.clock.Now()

	cooldown := time.Duration(rule.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	e.mu.Lock()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	failed, detail := e.failure(sensorID, rule, obs)
	if !failed {
		e.mu.Lock()
		e.failCounts[key] = 0
		e.mu.Unlock()
		return
	}

	tolerance := rule.ToleranceCount
	if tolerance < 1 {
		tolerance = 1
	}

	e.mu.Lock()
	e.failCounts[key]++
	count := e.failCounts[key]
	if count < tolerance {
		e.mu.Unlock()
		e.log.Debug("alerts: failure below tolerance",
			"sensor_id", sensorID, "type", rule.Type, "count", count, "tolerance", tolerance)
		return
	}
	e.failCounts[key] = 0
	e.lastFired[key] = now
	e.mu.Unlock()

	e.fire(ctx, owner, sensorID, sensorName, rule, detail, now)
}

// failure decides whether the observation trips the rule and returns a
// human-readable reason.
func (e *Engine) failure(sensorID int64, rule Rule, obs Observation) (bool, string) {
	switch rule.Type {
	case TypeTimeout:
		if obs.Status == "timeout" {
			return true, "ping timed out"
		}
	case TypeHighLatency:
		if obs.Status == "ok" && obs.LatencyMS != nil && rule.ThresholdMS != nil && *obs.LatencyMS > *rule.ThresholdMS {
			return true, fmt.Sprintf("latency %d ms above threshold %d ms", *obs.LatencyMS, *rule.ThresholdMS)
		}
	case TypeLinkDown:
		if obs.Status == "link_down" {
			return true, "link is down"
		}
	case TypeSpeedChange:
		e.mu.Lock()
		prev, ok := e.lastSpeed[sensorID]
		e.mu.Unlock()
		if ok && obs.Speed != "" && obs.Speed != prev {
			return true, fmt.Sprintf("speed changed from %s to %s", prev, obs.Speed)
		}
	case TypeTrafficThreshold:
		if rule.ThresholdMbps == nil {
			return false, ""
		}
		thr := *rule.ThresholdMbps * 1e6
		rxOver := obs.RxBPS > thr
		txOver := obs.TxBPS > thr
		switch rule.Direction {
		case "rx":
			if rxOver {
				return true, fmt.Sprintf("rx %.0f bps above %.0f Mbps", obs.RxBPS, *rule.ThresholdMbps)
			}
		case "tx":
			if txOver {
				return true, fmt.Sprintf("tx %.0f bps above %.0f Mbps", obs.TxBPS, *rule.ThresholdMbps)
			}
		default: // any
			if rxOver || txOver {
				return true, fmt.Sprintf("traffic above %.0f Mbps (rx %.0f, tx %.0f)", *rule.ThresholdMbps, obs.RxBPS, obs.TxBPS)
			}
		}
	}
	return false, ""
}

func (e *Engine) fire(ctx context.Context, owner string, sensorID int64, sensorName string, rule Rule, detail string, now time.Time) {
	ch, err := e.store.ChannelByID(ctx, owner, rule.ChannelID)
	if err != nil {
		e.log.Warn("alerts: channel lookup failed",
			"sensor_id", sensorID, "channel_id", rule.ChannelID, "error", err)
		return
	}

	subject := fmt.Sprintf("[m360] %s: %s", sensorName, rule.Type)
	notifier, ok := e.notifiers[ch.Type]
	if !ok {
		e.log.Warn("alerts: no notifier for channel type", "type", ch.Type)
		return
	}
	if err := notifier.Send(ctx, ch, subject, detail); err != nil {
		e.log.Warn("alerts: delivery failed",
			"sensor_id", sensorID, "channel", ch.Name, "error", err)
	}

	details, _ := json.Marshal(map[string]any{
		"type":    rule.Type,
		"sensor":  sensorName,
		"detail":  detail,
		"channel": ch.Name,
	})
	if err := e.store.InsertAlertHistory(ctx, &store.AlertHistoryEntry{
		SensorID:  sensorID,
		ChannelID: ch.ID,
		Timestamp: now,
		Details:   details,
	}); err != nil {
		e.log.Warn("alerts: history insert failed", "sensor_id", sensorID, "error", err)
	}

	metrics.AlertsFiredTotal.WithLabelValues(rule.Type).Inc()
	e.log.Info("alerts: fired", "sensor_id", sensorID, "type", rule.Type, "detail", detail)
}
