package ws_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/store"
	"github.com/m360-net/m360/internal/ws"
)

const testSecret = "ws-test-secret"

func signToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type fakeLatest struct {
	mu      sync.Mutex
	sensors map[string][]store.Sensor
	pings   map[int64]store.PingResult
}

func (f *fakeLatest) SensorsByOwner(_ context.Context, owner string) ([]store.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensors[owner], nil
}

func (f *fakeLatest) LatestPingResult(_ context.Context, id int64) (*store.PingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.pings[id]; ok {
		return &r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeLatest) LatestEthernetResult(_ context.Context, _ int64) (*store.EthernetResult, error) {
	return nil, store.ErrNotFound
}

type hubFixture struct {
	hub    *ws.Hub
	server *httptest.Server
	latest *fakeLatest
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	verifier, err := auth.NewVerifier(context.Background(), slog.New(slog.DiscardHandler), testSecret, "")
	require.NoError(t, err)

	latest := &fakeLatest{
		sensors: map[string][]store.Sensor{},
		pings:   map[int64]store.PingResult{},
	}
	hub := ws.NewHub(slog.New(slog.DiscardHandler), latest, verifier)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.CloseAll()
		server.Close()
	})
	return &hubFixture{hub: hub, server: server, latest: latest}
}

func (f *hubFixture) dial(t *testing.T, owner string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + signToken(t, owner)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func drainHandshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	welcome := readMessage(t, conn)
	assert.Equal(t, "welcome", welcome["type"])
	assert.NotEmpty(t, welcome["ts"])
	ready := readMessage(t, conn)
	assert.Equal(t, "ready", ready["type"])
	assert.NotEmpty(t, ready["ts"])
	batch := readMessage(t, conn)
	assert.Equal(t, "sensor_batch", batch["type"])
	assert.NotEmpty(t, batch["ts"])
	return batch
}

func TestHub_RejectsMissingToken(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_HandshakeWithLatestAndPending(t *testing.T) {
	f := newHubFixture(t)
	lat := 12
	f.latest.sensors["tenant-1"] = []store.Sensor{
		{ID: 1, SensorType: "ping", Name: "core", OwnerID: "tenant-1", Config: json.RawMessage(`{}`)},
		{ID: 2, SensorType: "ping", Name: "edge", OwnerID: "tenant-1", Config: json.RawMessage(`{}`)},
	}
	f.latest.pings[1] = store.PingResult{SensorID: 1, Timestamp: time.Now(), LatencyMS: &lat, Status: "ok"}

	conn := f.dial(t, "tenant-1")
	batch := drainHandshake(t, conn)

	items := batch["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	assert.Equal(t, "ok", first["status"])
	assert.Equal(t, "pending", second["status"], "sensors without results report pending")
}

func TestHub_PingPongAndUnknownMessage(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "tenant-1")
	drainHandshake(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	pong := readMessage(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.NotEmpty(t, pong["ts"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus"}))
	assert.Equal(t, "error", readMessage(t, conn)["type"])
}

func TestHub_SubscriptionFiltersBatch(t *testing.T) {
	f := newHubFixture(t)
	f.latest.sensors["tenant-1"] = []store.Sensor{
		{ID: 1, SensorType: "ping", Name: "a", OwnerID: "tenant-1", Config: json.RawMessage(`{}`)},
		{ID: 2, SensorType: "ping", Name: "b", OwnerID: "tenant-1", Config: json.RawMessage(`{}`)},
	}
	conn := f.dial(t, "tenant-1")
	drainHandshake(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_sensors", "sensor_ids": []int64{2}}))
	assert.Equal(t, "ready", readMessage(t, conn)["type"])
	batch := readMessage(t, conn)
	items := batch["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, float64(2), items[0].(map[string]any)["sensor_id"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_all"}))
	assert.Equal(t, "ready", readMessage(t, conn)["type"])
	batch = readMessage(t, conn)
	require.Len(t, batch["items"].([]any), 2)
}

func TestHub_BroadcastToOwner(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "tenant-1")
	drainHandshake(t, conn)
	other := f.dial(t, "tenant-2")
	drainHandshake(t, other)

	f.hub.BroadcastToOwner("tenant-1", map[string]any{"type": "sensor_update", "sensor_id": 1})

	msg := readMessage(t, conn)
	assert.Equal(t, "sensor_update", msg["type"])

	// the other tenant must not receive it
	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray map[string]any
	assert.Error(t, other.ReadJSON(&stray))
}

func TestHub_FallbackBySensorID(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "tenant-2")
	drainHandshake(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe_sensors", "sensor_ids": []int64{9}}))
	assert.Equal(t, "ready", readMessage(t, conn)["type"])
	readMessage(t, conn) // batch

	// no tenant-1 socket online: fallback delivers by subscribed sensor id
	f.hub.BroadcastToOwner("tenant-1", map[string]any{"type": "sensor_update", "sensor_id": 9})
	msg := readMessage(t, conn)
	assert.Equal(t, "sensor_update", msg["type"])
}

func TestHub_FallbackSkipsOtherSubscriptions(t *testing.T) {
	f := newHubFixture(t)

	subscribed := f.dial(t, "tenant-2")
	drainHandshake(t, subscribed)
	require.NoError(t, subscribed.WriteJSON(map[string]any{"type": "subscribe_sensors", "sensor_ids": []int64{9}}))
	assert.Equal(t, "ready", readMessage(t, subscribed)["type"])
	readMessage(t, subscribed) // batch

	unrelated := f.dial(t, "tenant-3")
	drainHandshake(t, unrelated)
	require.NoError(t, unrelated.WriteJSON(map[string]any{"type": "subscribe_sensors", "sensor_ids": []int64{7}}))
	assert.Equal(t, "ready", readMessage(t, unrelated)["type"])
	readMessage(t, unrelated) // batch

	f.hub.BroadcastToOwner("tenant-1", map[string]any{"type": "sensor_update", "sensor_id": 9})

	msg := readMessage(t, subscribed)
	assert.Equal(t, "sensor_update", msg["type"])

	// a socket subscribed to a different sensor set gets nothing
	require.NoError(t, unrelated.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray map[string]any
	assert.Error(t, unrelated.ReadJSON(&stray), "fallback only reaches matching subscriptions")
}

func TestHub_FallbackDisabled(t *testing.T) {
	f := newHubFixture(t)
	f.hub.FallbackEnabled = false
	conn := f.dial(t, "tenant-2")
	drainHandshake(t, conn)

	f.hub.BroadcastToOwner("tenant-1", map[string]any{"type": "sensor_update", "sensor_id": 9})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var stray map[string]any
	assert.Error(t, conn.ReadJSON(&stray), "cross-tenant fallback is off")
}
