package routeros

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/store"
)

const (
	rotationCooldown = 180 * time.Second
	perCredTimeout   = 3 * time.Second
	sweepTimeout     = 8 * time.Second
	tcpProbeTimeout  = 1500 * time.Millisecond
)

// RotationStore is the slice of the store the rotator needs.
type RotationStore interface {
	DeviceByIP(ctx context.Context, ip string) (*store.Device, error)
	ListCredentials(ctx context.Context, owner string) ([]store.Credential, error)
	RotateDeviceCredential(ctx context.Context, ip string, credentialID int64, now time.Time) error
	SetDeviceAuthOK(ctx context.Context, ip string, now time.Time) error
	SetDeviceAuthFail(ctx context.Context, ip string, now time.Time) error
}

// EventSink receives rotation events for the tenant's live clients.
type EventSink interface {
	BroadcastToOwner(owner string, payload map[string]any)
}

// TCPProber checks raw reachability of ip:port. Overridable in tests.
type TCPProber func(ip string, port int, timeout time.Duration) bool

func defaultTCPProbe(ip string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Rotator retries every tenant credential against a device whose login
// started failing, and repoints the device row at the first one that works.
type Rotator struct {
	log    *slog.Logger
	clock  clockwork.Clock
	store  RotationStore
	pool   *Pool
	dialer Dialer
	events EventSink
	probe  TCPProber

	mu      sync.Mutex
	lastTry map[string]time.Time
	locks   map[string]*sync.Mutex
}

func NewRotator(log *slog.Logger, clock clockwork.Clock, st RotationStore, pool *Pool, dialer Dialer, events EventSink) *Rotator {
	return &Rotator{
		log:     log,
		clock:   clock,
		store:   st,
		pool:    pool,
		dialer:  dialer,
		events:  events,
		probe:   defaultTCPProbe,
		lastTry: make(map[string]time.Time),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Rotator) inCooldown(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastTry[ip]
	return ok && r.clock.Since(last) < rotationCooldown
}

func (r *Rotator) stamp(ip string) {
	r.mu.Lock()
	r.lastTry[ip] = r.clock.Now()
	r.mu.Unlock()
}

func (r *Rotator) lockFor(ip string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[ip]
	if !ok {
		l = &sync.Mutex{}
		r.locks[ip] = l
	}
	return l
}

// Rotate tries all of the tenant's credentials against the device and
// updates the device row with the first that logs in. Returns the new
// credential id, or nil when nothing changed (cooldown, same credential,
// or no candidate worked).
func (r *Rotator) Rotate(ctx context.Context, deviceIP, owner string) (*int64, error) {
	if r.inCooldown(deviceIP) {
		return nil, nil
	}

	lock := r.lockFor(deviceIP)
	lock.Lock()
	defer lock.Unlock()

	// double-check under the lock: a racing caller may have just rotated
	if r.inCooldown(deviceIP) {
		return nil, nil
	}
	r.stamp(deviceIP)

	device, err := r.store.DeviceByIP(ctx, deviceIP)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", deviceIP, err)
	}

	creds, err := r.store.ListCredentials(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", owner, err)
	}

	winner := r.sweep(ctx, deviceIP, creds)
	now := r.clock.Now()

	if winner == nil {
		if err := r.store.SetDeviceAuthFail(ctx, deviceIP, now); err != nil {
			r.log.Warn("rotation: auth-fail stamp failed", "ip", deviceIP, "error", err)
		}
		metrics.RotationsTotal.WithLabelValues("no_valid_credentials").Inc()
		r.emit(owner, map[string]any{
			"type":      "device_credential_rotated",
			"device_id": device.ID,
			"ip":        deviceIP,
			"ok":        false,
			"reason":    "no_valid_credentials",
			"ts":        now.UTC().Format(time.RFC3339),
		})
		return nil, nil
	}

	if device.CredentialID != nil && *device.CredentialID == winner.ID {
		if err := r.store.SetDeviceAuthOK(ctx, deviceIP, now); err != nil {
			r.log.Warn("rotation: auth-ok stamp failed", "ip", deviceIP, "error", err)
		}
		metrics.RotationsTotal.WithLabelValues("unchanged").Inc()
		return nil, nil
	}

	if err := r.store.RotateDeviceCredential(ctx, deviceIP, winner.ID, now); err != nil {
		return nil, fmt.Errorf("rotate device %s: %w", deviceIP, err)
	}
	// drop the stale session before anyone can reuse it
	r.pool.Invalidate(deviceIP)
	metrics.RotationsTotal.WithLabelValues("rotated").Inc()

	var oldID any
	if device.CredentialID != nil {
		oldID = *device.CredentialID
	}
	r.emit(owner, map[string]any{
		"type":      "device_credential_rotated",
		"device_id": device.ID,
		"ip":        deviceIP,
		"ok":        true,
		"old":       oldID,
		"new":       winner.ID,
		"ts":        now.UTC().Format(time.RFC3339),
	})
	r.log.Info("rotation: credential rotated", "ip", deviceIP, "new_credential", winner.ID)
	return &winner.ID, nil
}

// sweep tries each credential in order with per-credential and overall
// deadlines. A TCP pre-probe skips the whole sweep when the API port is
// unreachable.
func (r *Rotator) sweep(ctx context.Context, ip string, creds []store.Credential) *store.Credential {
	if !r.probe(ip, APIPort, tcpProbeTimeout) {
		r.log.Warn("rotation: api port unreachable", "ip", ip)
		return nil
	}

	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", ip, APIPort)
	for i := range creds {
		cred := &creds[i]
		if sweepCtx.Err() != nil {
			return nil
		}
		credCtx, credCancel := context.WithTimeout(sweepCtx, perCredTimeout)
		s, err := r.dialer.Dial(credCtx, addr, cred.Username, cred.Password)
		credCancel()
		if err != nil {
			continue
		}
		_ = s.Close()
		return cred
	}
	return nil
}

func (r *Rotator) emit(owner string, payload map[string]any) {
	if r.events != nil {
		r.events.BroadcastToOwner(owner, payload)
	}
}

// SetTCPProber replaces the reachability pre-probe. Tests only.
func (r *Rotator) SetTCPProber(p TCPProber) { r.probe = p }
