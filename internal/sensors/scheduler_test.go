package sensors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/routeros"
	"github.com/m360-net/m360/internal/store"
)

// scriptedSession answers canned rows per command and records every call.
type scriptedSession struct {
	mu      sync.Mutex
	replies map[string][]map[string]string
	calls   []string
}

func (s *scriptedSession) Call(_ context.Context, command string, _ ...string) ([]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, command)
	if rows, ok := s.replies[command]; ok {
		return rows, nil
	}
	return nil, nil
}

func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) called(command string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == command {
			return true
		}
	}
	return false
}

type fakeSessions struct {
	mu          sync.Mutex
	session     routeros.Session
	err         error
	invalidated []string
}

func (f *fakeSessions) Get(context.Context, string) (routeros.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeSessions) Invalidate(ip string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, ip)
	f.mu.Unlock()
}

type fakeRotator struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRotator) Rotate(_ context.Context, ip, _ string) (*int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ip)
	f.mu.Unlock()
	return nil, nil
}

type fakeTunnels struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTunnels) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeTunnels) EnsureUp(_ context.Context, p int64) (string, error) {
	f.record(fmt.Sprintf("up:%d", p))
	return fmt.Sprintf("m360-p%d", p), nil
}
func (f *fakeTunnels) Release(p int64) { f.record(fmt.Sprintf("release:%d", p)) }
func (f *fakeTunnels) AddDestRule(p int64, ip string) error {
	f.record(fmt.Sprintf("rule:%d:%s", p, ip))
	return nil
}
func (f *fakeTunnels) DelDestRule(p int64, ip string) { f.record(fmt.Sprintf("unrule:%d:%s", p, ip)) }
func (f *fakeTunnels) PinHostRoute(p int64, ip, _ string) error {
	f.record(fmt.Sprintf("pin:%d:%s", p, ip))
	return nil
}
func (f *fakeTunnels) UnpinHostRoute(p int64, ip string) { f.record(fmt.Sprintf("unpin:%d:%s", p, ip)) }

func (f *fakeTunnels) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSensorStore struct {
	mu       sync.Mutex
	runtimes []store.SensorRuntime
	devices  map[string]store.Device
	pings    []store.PingResult
	eths     []store.EthernetResult
	inserted chan struct{}
}

func (f *fakeSensorStore) AllSensorRuntimes(context.Context) ([]store.SensorRuntime, error) {
	return f.runtimes, nil
}

func (f *fakeSensorStore) SensorRuntimeByID(_ context.Context, id int64) (*store.SensorRuntime, error) {
	for i := range f.runtimes {
		if f.runtimes[i].ID == id {
			return &f.runtimes[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeSensorStore) DeviceByID(_ context.Context, _, id string) (*store.Device, error) {
	if d, ok := f.devices[id]; ok {
		return &d, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeSensorStore) InsertPingResult(_ context.Context, r *store.PingResult) error {
	f.mu.Lock()
	f.pings = append(f.pings, *r)
	f.mu.Unlock()
	f.inserted <- struct{}{}
	return nil
}

func (f *fakeSensorStore) InsertEthernetResult(_ context.Context, r *store.EthernetResult) error {
	f.mu.Lock()
	f.eths = append(f.eths, *r)
	f.mu.Unlock()
	f.inserted <- struct{}{}
	return nil
}

type fakeEvents struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (f *fakeEvents) BroadcastToOwner(_ string, payload map[string]any) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
}

type recordedEval struct {
	rules []alerts.Rule
	obs   alerts.Observation
}

type fakeEvaluator struct {
	mu    sync.Mutex
	evals []recordedEval
}

func (f *fakeEvaluator) Evaluate(_ context.Context, _ string, _ int64, _ string, rules []alerts.Rule, obs alerts.Observation) {
	f.mu.Lock()
	f.evals = append(f.evals, recordedEval{rules: rules, obs: obs})
	f.mu.Unlock()
}

type fixture struct {
	sched    *Scheduler
	store    *fakeSensorStore
	sessions *fakeSessions
	rotator  *fakeRotator
	tunnels  *fakeTunnels
	events   *fakeEvents
	alerts   *fakeEvaluator
}

func newFixture(t *testing.T, sess routeros.Session) *fixture {
	t.Helper()
	f := &fixture{
		store:    &fakeSensorStore{devices: map[string]store.Device{}, inserted: make(chan struct{}, 16)},
		sessions: &fakeSessions{session: sess},
		rotator:  &fakeRotator{},
		tunnels:  &fakeTunnels{},
		events:   &fakeEvents{},
		alerts:   &fakeEvaluator{},
	}
	f.sched = NewScheduler(slog.New(slog.DiscardHandler), clockwork.NewRealClock(),
		f.store, f.sessions, f.rotator, f.tunnels, f.alerts, f.events)
	t.Cleanup(f.sched.StopAll)
	return f
}

func waitInsert(t *testing.T, f *fakeSensorStore) {
	t.Helper()
	select {
	case <-f.inserted:
	case <-time.After(5 * time.Second):
		t.Fatal("no result persisted in time")
	}
}

func profileID(id int64) *int64 { return &id }

func pingRuntime(cfg string) store.SensorRuntime {
	return store.SensorRuntime{
		Sensor: store.Sensor{
			ID: 1, MonitorID: 1, SensorType: "ping", Name: "core ping",
			Config: json.RawMessage(cfg), OwnerID: "tenant-1",
		},
		Device: store.Device{
			ID: "dev-1", IPAddress: "10.0.0.5", OwnerID: "tenant-1",
			VPNProfileID: profileID(5),
		},
	}
}

func TestPingWorker_OKCycleAndRelease(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/ping": {{"received": "1", "avg-rtt": "0s12ms"}},
	}}
	f := newFixture(t, sess)
	rt := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8","latency_threshold_ms":100}`)

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	require.Len(t, f.store.pings, 1)
	got := f.store.pings[0]
	assert.Equal(t, "ok", got.Status)
	require.NotNil(t, got.LatencyMS)
	assert.Equal(t, 12, *got.LatencyMS)

	require.NotEmpty(t, f.events.payloads)
	assert.Equal(t, "sensor_update", f.events.payloads[0]["type"])

	require.Len(t, f.alerts.evals, 1)
	assert.Equal(t, "ok", f.alerts.evals[0].obs.Status)

	// tunnel pins are unwound in reverse order on worker exit
	want := []string{
		"up:5", "rule:5:10.0.0.5", "pin:5:10.0.0.5",
		"unpin:5:10.0.0.5", "unrule:5:10.0.0.5", "release:5",
	}
	if diff := cmp.Diff(want, f.tunnels.snapshot()); diff != "" {
		t.Errorf("tunnel call order mismatch (-want +got):\n%s", diff)
	}
}

func TestPingWorker_HighLatency(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/ping": {{"received": "1", "avg-rtt": "1s5ms"}},
	}}
	f := newFixture(t, sess)
	rt := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8","latency_threshold_ms":100}`)

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	require.Len(t, f.store.pings, 1)
	assert.Equal(t, "high_latency", f.store.pings[0].Status)
	require.NotNil(t, f.store.pings[0].LatencyMS)
	assert.Equal(t, 1005, *f.store.pings[0].LatencyMS)
}

func TestPingWorker_MaestroOrigin(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/ping": {{"received": "1", "avg-rtt": "3ms"}},
	}}
	f := newFixture(t, sess)
	maestroID := "maestro-1"
	f.store.devices[maestroID] = store.Device{
		ID: maestroID, IPAddress: "10.0.0.1", OwnerID: "tenant-1",
		IsMaestro: true, VPNProfileID: profileID(7),
	}
	rt := pingRuntime(`{"ping_type":"maestro_to_device"}`)
	rt.Device.VPNProfileID = nil
	rt.Device.MaestroID = &maestroID

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	// connectivity is set up toward the maestro, not the monitored device
	calls := f.tunnels.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, "up:7", calls[0])
	assert.Contains(t, calls, "pin:7:10.0.0.1")
}

func TestPingWorker_SessionFailureRecordsTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.err = errors.New("dial tcp: i/o timeout")
	rt := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8"}`)
	rt.Device.VPNProfileID = nil

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	require.Len(t, f.store.pings, 1)
	assert.Equal(t, "timeout", f.store.pings[0].Status)
	assert.Nil(t, f.store.pings[0].LatencyMS)
	assert.Contains(t, f.sessions.invalidated, "10.0.0.5")
	assert.Empty(t, f.rotator.calls, "non-auth errors never trigger rotation")
}

func TestPingWorker_AuthFailureTriggersRotation(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.err = errors.New("from RouterOS device: invalid user name or password (6)")
	rt := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8"}`)
	rt.Device.VPNProfileID = nil

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	assert.Contains(t, f.rotator.calls, "10.0.0.5")
}

func ethernetRuntime(cfg string) store.SensorRuntime {
	return store.SensorRuntime{
		Sensor: store.Sensor{
			ID: 2, MonitorID: 1, SensorType: "ethernet", Name: "uplink",
			Config: json.RawMessage(cfg), OwnerID: "tenant-1",
		},
		Device: store.Device{ID: "dev-1", IPAddress: "10.0.0.5", OwnerID: "tenant-1"},
	}
}

func TestEthernetWorker_VLANNeverReadsLinkState(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/interface/monitor-traffic": {{"rx-bits-per-second": "1500000", "tx-bits-per-second": "800000"}},
	}}
	f := newFixture(t, sess)
	rt := ethernetRuntime(`{"interface_name":"vlan100","interface_kind":"vlan"}`)

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	require.Len(t, f.store.eths, 1)
	got := f.store.eths[0]
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "N/A", got.Speed)
	assert.Equal(t, "1500000", got.RxBitrate)
	assert.Equal(t, "800000", got.TxBitrate)

	assert.False(t, sess.called("/interface/ethernet/print"), "vlan path must not touch /interface/ethernet")
	assert.False(t, sess.called("/interface/print"), "vlan path must not read link state")

	require.Len(t, f.alerts.evals, 1)
	assert.Equal(t, "vlan", f.alerts.evals[0].obs.InterfaceKind)
}

func TestEthernetWorker_PhysicalPort(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/interface/print":           {{"name": "ether1", "type": "ether", "running": "true"}},
		"/interface/ethernet/print":  {{"name": "ether1", "speed": "1Gbps"}},
		"/interface/monitor-traffic": {{"rx-bits-per-second": "1000", "tx-bits-per-second": "2000"}},
	}}
	f := newFixture(t, sess)
	rt := ethernetRuntime(`{"interface_name":"ether1","interface_kind":"ethernet"}`)

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	f.sched.StopAll()

	require.Len(t, f.store.eths, 1)
	got := f.store.eths[0]
	assert.Equal(t, "link_up", got.Status)
	assert.Equal(t, "1Gbps", got.Speed)

	require.Len(t, f.alerts.evals, 1)
	assert.Equal(t, 1000.0, f.alerts.evals[0].obs.RxBPS)
}

func TestScheduler_RestartReplacesWorker(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/ping": {{"received": "1", "avg-rtt": "3ms"}},
	}}
	f := newFixture(t, sess)
	rt := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8"}`)
	rt.Device.VPNProfileID = nil
	f.store.runtimes = []store.SensorRuntime{rt}

	f.sched.Start(context.Background(), &rt)
	waitInsert(t, f.store)
	assert.True(t, f.sched.IsRunning(rt.ID))

	require.NoError(t, f.sched.Restart(context.Background(), rt.ID))
	waitInsert(t, f.store)
	assert.True(t, f.sched.IsRunning(rt.ID))

	f.sched.Stop(rt.ID)
	f.sched.StopAll()
	assert.False(t, f.sched.IsRunning(rt.ID))
}

func TestScheduler_StartAllSeedsEverySensor(t *testing.T) {
	sess := &scriptedSession{replies: map[string][]map[string]string{
		"/ping":                      {{"received": "1", "avg-rtt": "3ms"}},
		"/interface/monitor-traffic": {{"rx-bits-per-second": "0", "tx-bits-per-second": "0"}},
	}}
	f := newFixture(t, sess)
	p := pingRuntime(`{"ping_type":"device_to_target","target_ip":"8.8.8.8"}`)
	p.Device.VPNProfileID = nil
	e := ethernetRuntime(`{"interface_name":"vlan100","interface_kind":"vlan"}`)
	f.store.runtimes = []store.SensorRuntime{p, e}

	require.NoError(t, f.sched.StartAll(context.Background()))
	waitInsert(t, f.store)
	waitInsert(t, f.store)
	f.sched.StopAll()

	assert.NotEmpty(t, f.store.pings)
	assert.NotEmpty(t, f.store.eths)
}
