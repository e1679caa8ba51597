package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/store"
)

// LatestSource supplies the initial sensor_batch rows.
type LatestSource interface {
	SensorsByOwner(ctx context.Context, owner string) ([]store.Sensor, error)
	LatestPingResult(ctx context.Context, sensorID int64) (*store.PingResult, error)
	LatestEthernetResult(ctx context.Context, sensorID int64) (*store.EthernetResult, error)
}

// client is one connected socket. subs == nil means subscribe-all.
type client struct {
	conn  *websocket.Conn
	owner string

	mu   sync.Mutex
	subs map[int64]bool
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) setSubs(ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ids == nil {
		c.subs = nil
		return
	}
	c.subs = make(map[int64]bool, len(ids))
	for _, id := range ids {
		c.subs[id] = true
	}
}

// wants reports whether the subscription covers the sensor.
func (c *client) wants(sensorID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs == nil || c.subs[sensorID]
}

// Hub authenticates sockets and fans sensor updates out per tenant.
// FallbackEnabled keeps the legacy behavior of delivering by sensor id
// when no socket of the owner is connected.
type Hub struct {
	log      *slog.Logger
	store    LatestSource
	verifier *auth.Verifier
	clock    clockwork.Clock
	upgrader websocket.Upgrader

	FallbackEnabled bool

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(log *slog.Logger, st LatestSource, verifier *auth.Verifier) *Hub {
	return &Hub{
		log:      log,
		store:    st,
		verifier: verifier,
		clock:    clockwork.NewRealClock(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		FallbackEnabled: true,
		clients:         make(map[*client]struct{}),
	}
}

func normalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

func (h *Hub) ts() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

// ServeHTTP upgrades the connection, runs the handshake and then serves
// client messages until the socket drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractToken(r)
	owner, err := h.verifier.Owner(token)
	if err != nil {
		h.log.Debug("ws: rejected connection", "error", err)
		http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, owner: normalizeOwner(owner)}
	h.register(c)
	defer h.unregister(c)

	if err := c.send(map[string]any{"type": "welcome", "ts": h.ts()}); err != nil {
		return
	}
	if err := c.send(map[string]any{"type": "ready", "ts": h.ts()}); err != nil {
		return
	}
	if err := h.sendBatch(r.Context(), c); err != nil {
		return
	}

	h.readLoop(r.Context(), c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.log.Info("ws: client connected", "owner", c.owner, "clients", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	_ = c.conn.Close()
	metrics.WSClients.Set(float64(n))
	h.log.Info("ws: client disconnected", "owner", c.owner, "clients", n)
}

type clientMessage struct {
	Type      string  `json:"type"`
	SensorIDs []int64 `json:"sensor_ids"`
	Resource  string  `json:"resource"`
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "ping":
			if err := c.send(map[string]any{"type": "pong", "ts": h.ts()}); err != nil {
				return
			}
		case "subscribe_sensors":
			ids := msg.SensorIDs
			if ids == nil {
				ids = []int64{}
			}
			c.setSubs(ids)
			if err := c.send(map[string]any{"type": "ready", "ts": h.ts()}); err != nil {
				return
			}
			if err := h.sendBatch(ctx, c); err != nil {
				return
			}
		case "subscribe_all":
			c.setSubs(nil)
			if err := c.send(map[string]any{"type": "ready", "ts": h.ts()}); err != nil {
				return
			}
			if err := h.sendBatch(ctx, c); err != nil {
				return
			}
		case "sync_request":
			if msg.Resource == "sensors_latest" {
				if err := h.sendBatch(ctx, c); err != nil {
					return
				}
				continue
			}
			if err := c.send(map[string]any{"type": "error"}); err != nil {
				return
			}
		default:
			if err := c.send(map[string]any{"type": "error"}); err != nil {
				return
			}
		}
	}
}

// sendBatch pushes the latest row per owned sensor, or a synthetic
// pending entry for sensors that have never produced one.
func (h *Hub) sendBatch(ctx context.Context, c *client) error {
	sensors, err := h.store.SensorsByOwner(ctx, c.owner)
	if err != nil {
		h.log.Warn("ws: batch query failed", "owner", c.owner, "error", err)
		return c.send(map[string]any{"type": "error"})
	}

	items := []map[string]any{}
	for _, sn := range sensors {
		if !c.wants(sn.ID) {
			continue
		}
		items = append(items, h.latestEntry(ctx, sn))
	}
	return c.send(map[string]any{"type": "sensor_batch", "items": items, "ts": h.ts()})
}

func (h *Hub) latestEntry(ctx context.Context, sn store.Sensor) map[string]any {
	entry := map[string]any{
		"sensor_id":   sn.ID,
		"sensor_type": sn.SensorType,
		"name":        sn.Name,
		"status":      "pending",
	}
	switch sn.SensorType {
	case "ping":
		if r, err := h.store.LatestPingResult(ctx, sn.ID); err == nil {
			entry["status"] = r.Status
			entry["latency_ms"] = r.LatencyMS
			entry["timestamp"] = r.Timestamp
		}
	case "ethernet":
		if r, err := h.store.LatestEthernetResult(ctx, sn.ID); err == nil {
			entry["status"] = r.Status
			entry["speed"] = r.Speed
			entry["rx_bitrate"] = r.RxBitrate
			entry["tx_bitrate"] = r.TxBitrate
			entry["timestamp"] = r.Timestamp
		}
	}
	return entry
}

// BroadcastToOwner delivers to every socket of the tenant. When nobody is
// connected for that owner and the payload names a sensor, the fallback
// pass delivers by subscription instead. Sockets that fail a write are
// dropped.
func (h *Hub) BroadcastToOwner(owner string, payload map[string]any) {
	owner = normalizeOwner(owner)

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.owner == owner {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	if len(targets) > 0 {
		h.deliver(targets, payload, "owner")
		return
	}

	if !h.FallbackEnabled {
		return
	}
	sensorID, ok := payloadSensorID(payload)
	if !ok {
		return
	}

	h.mu.Lock()
	fallback := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.wants(sensorID) {
			fallback = append(fallback, c)
		}
	}
	h.mu.Unlock()

	if len(fallback) > 0 {
		h.deliver(fallback, payload, "fallback")
	}
}

func (h *Hub) deliver(targets []*client, payload map[string]any, path string) {
	for _, c := range targets {
		if err := c.send(payload); err != nil {
			h.log.Debug("ws: delivery failed, dropping socket", "owner", c.owner, "error", err)
			h.unregister(c)
			continue
		}
		metrics.WSBroadcastsTotal.WithLabelValues(path).Inc()
	}
}

func payloadSensorID(payload map[string]any) (int64, bool) {
	switch v := payload["sensor_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// CloseAll drops every socket. Shutdown path.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
	metrics.WSClients.Set(0)
}
