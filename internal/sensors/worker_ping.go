package sensors

import (
	"context"
	"time"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/store"
)

func (s *Scheduler) runPing(ctx context.Context, rt store.SensorRuntime) {
	cfg, err := ParsePingConfig(rt.Config)
	if err != nil {
		s.log.Error("ping: bad sensor config", "sensor_id", rt.ID, "error", err)
		return
	}

	origin, err := s.resolveOrigin(ctx, &rt, cfg.PingType)
	if err != nil {
		s.log.Error("ping: origin resolution failed", "sensor_id", rt.ID, "error", err)
		return
	}
	target := cfg.TargetIP
	if cfg.PingType == "maestro_to_device" {
		target = rt.Device.IPAddress
	}

	release, err := s.ensureOrigin(ctx, origin)
	if err != nil {
		s.log.Error("ping: origin connectivity failed", "sensor_id", rt.ID, "error", err)
		return
	}
	defer release()

	s.log.Info("ping: worker started",
		"sensor_id", rt.ID, "origin", origin.IPAddress, "target", target, "interval", cfg.Interval())

	ticker := s.clock.NewTicker(cfg.Interval())
	defer ticker.Stop()
	for {
		s.pingCycle(ctx, &rt, cfg, origin, target)
		select {
		case <-ctx.Done():
			s.log.Info("ping: worker stopped", "sensor_id", rt.ID)
			return
		case <-ticker.Chan():
		}
	}
}

func (s *Scheduler) pingCycle(ctx context.Context, rt *store.SensorRuntime, cfg PingConfig, origin *store.Device, target string) {
	result := s.pingOnce(ctx, rt, cfg, origin, target)
	metrics.SensorCyclesTotal.WithLabelValues("ping", result.Status).Inc()

	if err := s.store.InsertPingResult(ctx, result); err != nil {
		s.log.Warn("ping: persist failed", "sensor_id", rt.ID, "error", err)
	}

	payload := map[string]any{
		"type":        "sensor_update",
		"sensor_id":   rt.ID,
		"sensor_type": "ping",
		"status":      result.Status,
		"latency_ms":  nil,
		"timestamp":   result.Timestamp.UTC().Format(time.RFC3339),
	}
	if result.LatencyMS != nil {
		payload["latency_ms"] = *result.LatencyMS
	}
	s.broadcast(rt.OwnerID, payload)

	if s.alerts != nil {
		s.alerts.Evaluate(ctx, rt.OwnerID, rt.ID, rt.Name, cfg.Alerts, alerts.Observation{
			Status:    result.Status,
			LatencyMS: result.LatencyMS,
		})
	}
}

// pingOnce runs a single /ping on the origin and classifies it. Any error
// along the way collapses to a timeout row so the series has no gaps.
func (s *Scheduler) pingOnce(ctx context.Context, rt *store.SensorRuntime, cfg PingConfig, origin *store.Device, target string) *store.PingResult {
	now := s.clock.Now()
	timeoutRow := &store.PingResult{SensorID: rt.ID, Timestamp: now, Status: "timeout"}

	sess, err := s.pool.Get(ctx, origin.IPAddress)
	if err != nil {
		s.log.Warn("ping: session unavailable", "sensor_id", rt.ID, "ip", origin.IPAddress, "error", err)
		s.handleSessionError(ctx, origin, err)
		return timeoutRow
	}

	rows, err := sess.Call(ctx, "/ping", "=address="+target, "=count=1")
	if err != nil {
		s.log.Warn("ping: call failed", "sensor_id", rt.ID, "error", err)
		s.handleSessionError(ctx, origin, err)
		return timeoutRow
	}
	if len(rows) == 0 {
		return timeoutRow
	}

	last := rows[len(rows)-1]
	if last["received"] != "1" {
		return timeoutRow
	}

	latency, err := ParseAvgRTT(last["avg-rtt"])
	if err != nil {
		s.log.Debug("ping: rtt parse failed", "sensor_id", rt.ID, "avg_rtt", last["avg-rtt"], "error", err)
		return timeoutRow
	}

	status := "ok"
	if cfg.LatencyThresholdMS > 0 && latency > cfg.LatencyThresholdMS {
		status = "high_latency"
	}
	return &store.PingResult{SensorID: rt.ID, Timestamp: now, LatencyMS: &latency, Status: status}
}
