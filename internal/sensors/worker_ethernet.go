package sensors

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/routeros"
	"github.com/m360-net/m360/internal/store"
)

func (s *Scheduler) runEthernet(ctx context.Context, rt store.SensorRuntime) {
	cfg, err := ParseEthernetConfig(rt.Config)
	if err != nil {
		s.log.Error("ethernet: bad sensor config", "sensor_id", rt.ID, "error", err)
		return
	}

	origin := &rt.Device
	release, err := s.ensureOrigin(ctx, origin)
	if err != nil {
		s.log.Error("ethernet: origin connectivity failed", "sensor_id", rt.ID, "error", err)
		return
	}
	defer release()

	s.log.Info("ethernet: worker started",
		"sensor_id", rt.ID, "device", origin.IPAddress, "interface", cfg.InterfaceName, "interval", cfg.Interval())

	ticker := s.clock.NewTicker(cfg.Interval())
	defer ticker.Stop()
	for {
		s.ethernetCycle(ctx, &rt, cfg, origin)
		select {
		case <-ctx.Done():
			s.log.Info("ethernet: worker stopped", "sensor_id", rt.ID)
			return
		case <-ticker.Chan():
		}
	}
}

func (s *Scheduler) ethernetCycle(ctx context.Context, rt *store.SensorRuntime, cfg EthernetConfig, origin *store.Device) {
	result, kind := s.ethernetOnce(ctx, rt, cfg, origin)
	metrics.SensorCyclesTotal.WithLabelValues("ethernet", result.Status).Inc()

	if err := s.store.InsertEthernetResult(ctx, result); err != nil {
		s.log.Warn("ethernet: persist failed", "sensor_id", rt.ID, "error", err)
	}

	s.broadcast(rt.OwnerID, map[string]any{
		"type":        "sensor_update",
		"sensor_id":   rt.ID,
		"sensor_type": "ethernet",
		"status":      result.Status,
		"speed":       result.Speed,
		"rx_bitrate":  result.RxBitrate,
		"tx_bitrate":  result.TxBitrate,
		"timestamp":   result.Timestamp.UTC().Format(time.RFC3339),
	})

	if s.alerts != nil {
		s.alerts.Evaluate(ctx, rt.OwnerID, rt.ID, rt.Name, cfg.Alerts, alerts.Observation{
			Status:        result.Status,
			Speed:         result.Speed,
			RxBPS:         parseBitrate(result.RxBitrate),
			TxBPS:         parseBitrate(result.TxBitrate),
			InterfaceKind: kind,
		})
	}
}

// ethernetOnce samples one cycle of link state and traffic. VLANs never
// report link state: status is always ok and speed N/A.
func (s *Scheduler) ethernetOnce(ctx context.Context, rt *store.SensorRuntime, cfg EthernetConfig, origin *store.Device) (*store.EthernetResult, string) {
	now := s.clock.Now()
	kind := KindEthernet
	if cfg.InterfaceKind == KindVLAN || (cfg.InterfaceKind != KindEthernet && NameLooksVLAN(cfg.InterfaceName)) {
		kind = KindVLAN
	}
	fallback := func() *store.EthernetResult {
		status := "link_down"
		if kind == KindVLAN {
			status = "ok"
		}
		return &store.EthernetResult{
			SensorID: rt.ID, Timestamp: now,
			Status: status, Speed: "N/A", RxBitrate: "0", TxBitrate: "0",
		}
	}

	sess, err := s.pool.Get(ctx, origin.IPAddress)
	if err != nil {
		s.log.Warn("ethernet: session unavailable", "sensor_id", rt.ID, "ip", origin.IPAddress, "error", err)
		s.handleSessionError(ctx, origin, err)
		return fallback(), kind
	}

	kind = s.kinds.Detect(ctx, sess, origin.IPAddress, cfg.InterfaceName, cfg.InterfaceKind)

	result := &store.EthernetResult{SensorID: rt.ID, Timestamp: now}
	if kind == KindVLAN {
		result.Status = "ok"
		result.Speed = "N/A"
	} else {
		status, speed, err := s.ethernetLink(ctx, sess, cfg.InterfaceName)
		if err != nil {
			s.log.Warn("ethernet: link query failed", "sensor_id", rt.ID, "error", err)
			s.handleSessionError(ctx, origin, err)
			return fallback(), kind
		}
		result.Status = status
		result.Speed = speed
	}

	rx, tx, err := s.trafficSample(ctx, sess, cfg.InterfaceName)
	if err != nil {
		s.log.Warn("ethernet: traffic query failed", "sensor_id", rt.ID, "error", err)
		s.handleSessionError(ctx, origin, err)
		return fallback(), kind
	}
	result.RxBitrate = rx
	result.TxBitrate = tx
	return result, kind
}

// ethernetLink reads the running flag from /interface and the speed from
// /interface/ethernet. /interface/ethernet/monitor is deliberately never
// used: it hangs on RouterOS 7.
func (s *Scheduler) ethernetLink(ctx context.Context, sess routeros.Session, iface string) (status, speed string, err error) {
	rows, err := sess.Call(ctx, "/interface/print", "?name="+iface)
	if err != nil {
		return "", "", err
	}
	status = "link_down"
	if len(rows) > 0 && rows[0]["running"] == "true" {
		status = "link_up"
	}

	speed = "N/A"
	erows, err := sess.Call(ctx, "/interface/ethernet/print", "?name="+iface)
	if err == nil && len(erows) > 0 {
		if v := erows[0]["speed"]; v != "" {
			speed = v
		} else if v := erows[0]["rate"]; v != "" {
			speed = v
		}
	}
	return status, speed, nil
}

func (s *Scheduler) trafficSample(ctx context.Context, sess routeros.Session, iface string) (rx, tx string, err error) {
	rows, err := sess.Call(ctx, "/interface/monitor-traffic", "=interface="+iface, "=once=")
	if err != nil {
		return "", "", err
	}
	rx, tx = "0", "0"
	if len(rows) > 0 {
		if v := rows[0]["rx-bits-per-second"]; v != "" {
			rx = v
		}
		if v := rows[0]["tx-bits-per-second"]; v != "" {
			tx = v
		}
	}
	return rx, tx, nil
}

func parseBitrate(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
