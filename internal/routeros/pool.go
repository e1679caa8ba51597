package routeros

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/m360-net/m360/internal/metrics"
)

// CredentialSource resolves the login currently stored on a device row, so
// a fresh dial naturally picks up rotations.
type CredentialSource interface {
	DeviceCredential(ctx context.Context, ip string) (username, password string, err error)
}

// Pool caches one API session per device IP. Broken sessions are removed;
// the next use recreates them.
type Pool struct {
	log    *slog.Logger
	dialer Dialer
	creds  CredentialSource

	mu       sync.Mutex
	sessions map[string]Session
}

func NewPool(log *slog.Logger, dialer Dialer, creds CredentialSource) *Pool {
	return &Pool{
		log:      log,
		dialer:   dialer,
		creds:    creds,
		sessions: make(map[string]Session),
	}
}

// Get returns the cached session for the IP, dialing if needed.
func (p *Pool) Get(ctx context.Context, ip string) (Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[ip]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	user, pass, err := p.creds.DeviceCredential(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", ip, err)
	}
	s, err := p.dialer.Dial(ctx, fmt.Sprintf("%s:%d", ip, APIPort), user, pass)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[ip]; ok {
		// another worker won the race
		_ = s.Close()
		return existing, nil
	}
	p.sessions[ip] = s
	metrics.PoolSessions.Set(float64(len(p.sessions)))
	return s, nil
}

// Invalidate disconnects and drops the cached session for the IP.
func (p *Pool) Invalidate(ip string) {
	p.mu.Lock()
	s, ok := p.sessions[ip]
	delete(p.sessions, ip)
	metrics.PoolSessions.Set(float64(len(p.sessions)))
	p.mu.Unlock()
	if ok {
		_ = s.Close()
		p.log.Debug("routeros: session invalidated", "ip", ip)
	}
}

// IPs snapshots the pooled addresses for the keepalive sweep.
func (p *Pool) IPs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sessions))
	for ip := range p.sessions {
		out = append(out, ip)
	}
	return out
}

// Health runs the cheap identity call on a pooled session.
func (p *Pool) Health(ctx context.Context, ip string) error {
	p.mu.Lock()
	s, ok := p.sessions[ip]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session for %s", ip)
	}
	_, err := s.Call(ctx, "/system/identity/print")
	return err
}

// CloseAll disconnects everything. Shutdown path.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, s := range p.sessions {
		_ = s.Close()
		delete(p.sessions, ip)
	}
	metrics.PoolSessions.Set(0)
}
