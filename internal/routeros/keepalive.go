package routeros

import (
	"context"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	keepalivePeriod      = 30 * time.Second
	keepaliveConcurrency = 8
)

// Keepalive periodically health-checks every pooled session. Broken
// sessions are dropped; auth failures feed the rotator, everything else
// gets a best-effort reconnect.
type Keepalive struct {
	log     *slog.Logger
	clock   clockwork.Clock
	pool    *Pool
	rotator *Rotator
	store   RotationStore
	workers pond.Pool
}

func NewKeepalive(log *slog.Logger, clock clockwork.Clock, pool *Pool, rotator *Rotator, st RotationStore) *Keepalive {
	return &Keepalive{
		log:     log,
		clock:   clock,
		pool:    pool,
		rotator: rotator,
		store:   st,
		workers: pond.NewPool(keepaliveConcurrency),
	}
}

// Run blocks until ctx is done.
func (k *Keepalive) Run(ctx context.Context) {
	ticker := k.clock.NewTicker(keepalivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.workers.StopAndWait()
			return
		case <-ticker.Chan():
			k.sweep(ctx)
		}
	}
}

func (k *Keepalive) sweep(ctx context.Context) {
	group := k.workers.NewGroup()
	for _, ip := range k.pool.IPs() {
		ip := ip
		group.Submit(func() {
			k.check(ctx, ip)
		})
	}
	_ = group.Wait()
}

func (k *Keepalive) check(ctx context.Context, ip string) {
	err := k.pool.Health(ctx, ip)
	if err == nil {
		return
	}
	k.log.Warn("keepalive: session unhealthy", "ip", ip, "error", err)
	k.pool.Invalidate(ip)

	if IsAuthError(err) {
		device, derr := k.store.DeviceByIP(ctx, ip)
		if derr != nil {
			k.log.Warn("keepalive: device lookup failed", "ip", ip, "error", derr)
			return
		}
		if _, rerr := k.rotator.Rotate(ctx, ip, device.OwnerID); rerr != nil {
			k.log.Warn("keepalive: rotation failed", "ip", ip, "error", rerr)
		}
		return
	}

	// transient failure: reconnect with the credential currently on the row
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx)
	rerr := backoff.Retry(func() error {
		_, err := k.pool.Get(ctx, ip)
		return err
	}, policy)
	if rerr != nil {
		k.log.Warn("keepalive: reconnect failed", "ip", ip, "error", rerr)
	}
}
