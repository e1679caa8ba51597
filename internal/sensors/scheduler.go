package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/m360-net/m360/internal/alerts"
	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/routeros"
	"github.com/m360-net/m360/internal/store"
)

// Store is the slice of the store the scheduler and workers need.
type Store interface {
	AllSensorRuntimes(ctx context.Context) ([]store.SensorRuntime, error)
	SensorRuntimeByID(ctx context.Context, id int64) (*store.SensorRuntime, error)
	DeviceByID(ctx context.Context, owner, id string) (*store.Device, error)
	InsertPingResult(ctx context.Context, r *store.PingResult) error
	InsertEthernetResult(ctx context.Context, r *store.EthernetResult) error
}

// Sessions is the RouterOS pool surface the workers use.
type Sessions interface {
	Get(ctx context.Context, ip string) (routeros.Session, error)
	Invalidate(ip string)
}

// CredentialRotator retries tenant credentials after an auth failure.
type CredentialRotator interface {
	Rotate(ctx context.Context, deviceIP, owner string) (*int64, error)
}

// Tunnels is the VPN manager surface used for origin connectivity.
type Tunnels interface {
	EnsureUp(ctx context.Context, profileID int64) (string, error)
	Release(profileID int64)
	AddDestRule(profileID int64, ip string) error
	DelDestRule(profileID int64, ip string)
	PinHostRoute(profileID int64, ip, iface string) error
	UnpinHostRoute(profileID int64, ip string)
}

// AlertEvaluator runs a sensor's alert rules against one cycle.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, owner string, sensorID int64, sensorName string, rules []alerts.Rule, obs alerts.Observation)
}

// Broadcaster pushes a sensor update to the owning tenant's sockets.
type Broadcaster interface {
	BroadcastToOwner(owner string, payload map[string]any)
}

// Scheduler owns one long-running worker per sensor. Creating, updating or
// restarting a sensor cancels its previous worker and spawns a fresh one.
type Scheduler struct {
	log     *slog.Logger
	clock   clockwork.Clock
	store   Store
	pool    Sessions
	rotator CredentialRotator
	tunnels Tunnels
	alerts  AlertEvaluator
	events  Broadcaster
	kinds   *KindDetector

	mu      sync.Mutex
	running map[int64]*workerHandle
	wg      sync.WaitGroup
}

type workerHandle struct {
	cancel context.CancelFunc
}

func NewScheduler(log *slog.Logger, clock clockwork.Clock, st Store, pool Sessions, rotator CredentialRotator, tunnels Tunnels, alertEngine AlertEvaluator, events Broadcaster) *Scheduler {
	return &Scheduler{
		log:     log,
		clock:   clock,
		store:   st,
		pool:    pool,
		rotator: rotator,
		tunnels: tunnels,
		alerts:  alertEngine,
		events:  events,
		kinds:   NewKindDetector(),
		running: make(map[int64]*workerHandle),
	}
}

// StartAll re-seeds a worker for every stored sensor. Boot path.
func (s *Scheduler) StartAll(ctx context.Context) error {
	runtimes, err := s.store.AllSensorRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	for i := range runtimes {
		s.Start(ctx, &runtimes[i])
	}
	s.log.Info("sensors: workers started", "count", len(runtimes))
	return nil
}

// Start spawns (or respawns) the worker for one sensor.
func (s *Scheduler) Start(ctx context.Context, rt *store.SensorRuntime) {
	s.mu.Lock()
	if prev, ok := s.running[rt.ID]; ok {
		prev.cancel()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	handle := &workerHandle{cancel: cancel}
	s.running[rt.ID] = handle
	s.mu.Unlock()

	metrics.SensorsRunning.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer metrics.SensorsRunning.Dec()
		defer s.forget(rt.ID, handle)
		s.run(workerCtx, *rt)
	}()
}

// Restart reloads the sensor row and respawns its worker.
func (s *Scheduler) Restart(ctx context.Context, sensorID int64) error {
	rt, err := s.store.SensorRuntimeByID(ctx, sensorID)
	if err != nil {
		return err
	}
	s.Start(ctx, rt)
	return nil
}

// Stop cancels one sensor's worker.
func (s *Scheduler) Stop(sensorID int64) {
	s.mu.Lock()
	h, ok := s.running[sensorID]
	delete(s.running, sensorID)
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// StopAll cancels every worker and waits for them to unwind their
// connectivity pins.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for id, h := range s.running {
		h.cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.kinds.Stop()
}

// IsRunning reports whether a worker is registered for the sensor.
func (s *Scheduler) IsRunning(sensorID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[sensorID]
	return ok
}

// forget clears the map entry, but only if it still points at this worker:
// a respawn may have replaced it already.
func (s *Scheduler) forget(sensorID int64, handle *workerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[sensorID] == handle {
		delete(s.running, sensorID)
	}
}

func (s *Scheduler) run(ctx context.Context, rt store.SensorRuntime) {
	switch rt.SensorType {
	case "ping":
		s.runPing(ctx, rt)
	case "ethernet":
		s.runEthernet(ctx, rt)
	default:
		s.log.Warn("sensors: unknown sensor type", "sensor_id", rt.ID, "type", rt.SensorType)
	}
}

// resolveOrigin picks the device the worker talks to: for
// maestro_to_device pings that is the master device, otherwise the
// sensor's own device.
func (s *Scheduler) resolveOrigin(ctx context.Context, rt *store.SensorRuntime, pingType string) (*store.Device, error) {
	if pingType == "maestro_to_device" && rt.Device.MaestroID != nil {
		maestro, err := s.store.DeviceByID(ctx, rt.OwnerID, *rt.Device.MaestroID)
		if err != nil {
			return nil, fmt.Errorf("maestro %s: %w", *rt.Device.MaestroID, err)
		}
		return maestro, nil
	}
	return &rt.Device, nil
}

// originProfile resolves the VPN profile reaching the origin, inheriting
// the master's profile when the device itself has none.
func (s *Scheduler) originProfile(ctx context.Context, origin *store.Device) (*int64, error) {
	if origin.VPNProfileID != nil {
		return origin.VPNProfileID, nil
	}
	if origin.MaestroID != nil {
		maestro, err := s.store.DeviceByID(ctx, origin.OwnerID, *origin.MaestroID)
		if err != nil {
			return nil, err
		}
		return maestro.VPNProfileID, nil
	}
	return nil, nil
}

// ensureOrigin brings up the tunnel reaching the origin device and pins
// its address through it. The returned release undoes all three steps and
// is safe to call exactly once.
func (s *Scheduler) ensureOrigin(ctx context.Context, origin *store.Device) (func(), error) {
	profileID, err := s.originProfile(ctx, origin)
	if err != nil {
		return nil, err
	}
	if profileID == nil {
		// LAN-reachable device, nothing to set up
		return func() {}, nil
	}
	p := *profileID

	iface, err := s.tunnels.EnsureUp(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("vpn up profile %d: %w", p, err)
	}
	if err := s.tunnels.AddDestRule(p, origin.IPAddress); err != nil {
		s.tunnels.Release(p)
		return nil, fmt.Errorf("dest rule %s: %w", origin.IPAddress, err)
	}
	if err := s.tunnels.PinHostRoute(p, origin.IPAddress, iface); err != nil {
		s.tunnels.DelDestRule(p, origin.IPAddress)
		s.tunnels.Release(p)
		return nil, fmt.Errorf("host route %s: %w", origin.IPAddress, err)
	}

	return func() {
		s.tunnels.UnpinHostRoute(p, origin.IPAddress)
		s.tunnels.DelDestRule(p, origin.IPAddress)
		s.tunnels.Release(p)
	}, nil
}

// handleSessionError drops the cached session and, when the error smells
// like a login failure, asks the rotator to try other credentials.
func (s *Scheduler) handleSessionError(ctx context.Context, origin *store.Device, err error) {
	s.pool.Invalidate(origin.IPAddress)
	if !routeros.IsAuthError(err) {
		return
	}
	if _, rerr := s.rotator.Rotate(ctx, origin.IPAddress, origin.OwnerID); rerr != nil {
		s.log.Warn("sensors: rotation failed", "ip", origin.IPAddress, "error", rerr)
	}
}

func (s *Scheduler) broadcast(owner string, payload map[string]any) {
	if s.events != nil {
		s.events.BroadcastToOwner(owner, payload)
	}
}
