package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "m360_build_info",
			Help: "Build information of the m360 daemon",
		},
		[]string{"version", "commit", "date"},
	)

	TunnelUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m360_vpn_tunnel_ups_total",
		Help: "Total number of WireGuard tunnel bring-ups",
	}, []string{"result"})

	TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m360_vpn_tunnels_active",
		Help: "Number of VPN profiles with a positive refcount",
	})

	SensorCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m360_sensor_cycles_total",
		Help: "Total number of sensor worker cycles",
	}, []string{"sensor_type", "status"})

	SensorsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m360_sensors_running",
		Help: "Number of running sensor workers",
	})

	RotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m360_credential_rotations_total",
		Help: "Total number of credential rotation attempts",
	}, []string{"result"})

	AlertsFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m360_alerts_fired_total",
		Help: "Total number of alert notifications dispatched",
	}, []string{"alert_type"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m360_ws_clients",
		Help: "Number of connected WebSocket clients",
	})

	WSBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m360_ws_broadcasts_total",
		Help: "Total number of WebSocket broadcast deliveries",
	}, []string{"path"})

	PoolSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m360_routeros_pool_sessions",
		Help: "Number of cached RouterOS API sessions",
	})
)
