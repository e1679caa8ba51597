package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/m360-net/m360/internal/routeros"
	"github.com/m360-net/m360/internal/store"
)

const (
	outerTimeout   = 9 * time.Second
	sweepTimeout   = 8 * time.Second
	perCredTimeout = 3 * time.Second
	icmpTimeout    = time.Second
	tcpTimeout     = 1500 * time.Millisecond
)

// Store is the slice of the store the prober needs.
type Store interface {
	VPNProfileByID(ctx context.Context, owner string, id int64) (*store.VPNProfile, error)
	DeviceByID(ctx context.Context, owner, id string) (*store.Device, error)
	ListCredentials(ctx context.Context, owner string) ([]store.Credential, error)
}

// Tunnels is the VPN manager surface the prober uses.
type Tunnels interface {
	EnsureUp(ctx context.Context, profileID int64) (string, error)
	Release(profileID int64)
	AddDestRule(profileID int64, ip string) error
	DelDestRule(profileID int64, ip string)
	PinHostRoute(profileID int64, ip, iface string) error
	UnpinHostRoute(profileID int64, ip string)
}

// Request describes one reachability check.
type Request struct {
	IP           string  `json:"ip"`
	VPNProfileID *int64  `json:"vpn_profile_id,omitempty"`
	MaestroID    *string `json:"maestro_id,omitempty"`
}

// Result is the probe outcome returned to the caller.
type Result struct {
	Reachable     bool   `json:"reachable"`
	CredentialID  *int64 `json:"credential_id,omitempty"`
	UsedProfileID *int64 `json:"used_profile_id,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Prober runs a one-shot reachability and credential check against a
// device, bringing up whatever tunnel is needed and tearing everything
// back down before returning.
type Prober struct {
	log     *slog.Logger
	store   Store
	tunnels Tunnels
	dialer  routeros.Dialer

	icmp func(ctx context.Context, ip string) bool
	tcp  func(ip string, port int, timeout time.Duration) bool
}

func New(log *slog.Logger, st Store, tunnels Tunnels, dialer routeros.Dialer) *Prober {
	return &Prober{
		log:     log,
		store:   st,
		tunnels: tunnels,
		dialer:  dialer,
		icmp:    defaultICMP,
		tcp:     defaultTCP,
	}
}

func defaultICMP(ctx context.Context, ip string) bool {
	p, err := probing.NewPinger(ip)
	if err != nil {
		return false
	}
	p.Count = 1
	p.Timeout = icmpTimeout
	p.SetPrivileged(true)
	if err := p.RunWithContext(ctx); err != nil {
		return false
	}
	return p.Statistics().PacketsRecv > 0
}

func defaultTCP(ip string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Run resolves the route to the device, pins it, and sweeps the tenant's
// credentials. All pins and the tunnel refcount are unwound before the
// result is returned.
func (p *Prober) Run(ctx context.Context, owner string, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, outerTimeout)
	defer cancel()

	profileID, checkIP, err := p.resolveProfile(ctx, owner, req)
	if err != nil {
		return nil, err
	}

	if profileID == nil {
		// LAN-reachable: plain credential test
		res := p.sweep(ctx, owner, req.IP)
		return res, nil
	}

	iface, err := p.tunnels.EnsureUp(ctx, *profileID)
	if err != nil {
		return &Result{Reachable: false, Detail: fmt.Sprintf("vpn up failed: %v", err)}, nil
	}
	defer p.tunnels.Release(*profileID)

	if checkIP != nil && *checkIP != "" {
		ok, unwind := p.checkGate(ctx, *profileID, iface, *checkIP)
		defer unwind()
		if !ok {
			return &Result{
				Reachable:     false,
				UsedProfileID: profileID,
				Detail:        "vpn check address unreachable",
			}, nil
		}
	}

	if err := p.tunnels.AddDestRule(*profileID, req.IP); err != nil {
		return &Result{Reachable: false, UsedProfileID: profileID, Detail: fmt.Sprintf("dest rule: %v", err)}, nil
	}
	defer p.tunnels.DelDestRule(*profileID, req.IP)
	if err := p.tunnels.PinHostRoute(*profileID, req.IP, iface); err != nil {
		return &Result{Reachable: false, UsedProfileID: profileID, Detail: fmt.Sprintf("host route: %v", err)}, nil
	}
	defer p.tunnels.UnpinHostRoute(*profileID, req.IP)

	res := p.sweep(ctx, owner, req.IP)
	res.UsedProfileID = profileID
	return res, nil
}

// resolveProfile picks the tunnel profile: the request's own, or the
// master device's. check_ip only applies on the direct path.
func (p *Prober) resolveProfile(ctx context.Context, owner string, req Request) (*int64, *string, error) {
	if req.VPNProfileID != nil {
		profile, err := p.store.VPNProfileByID(ctx, owner, *req.VPNProfileID)
		if err != nil {
			return nil, nil, fmt.Errorf("profile %d: %w", *req.VPNProfileID, err)
		}
		return &profile.ID, profile.CheckIP, nil
	}
	if req.MaestroID != nil {
		maestro, err := p.store.DeviceByID(ctx, owner, *req.MaestroID)
		if err != nil {
			return nil, nil, fmt.Errorf("maestro %s: %w", *req.MaestroID, err)
		}
		return maestro.VPNProfileID, nil, nil
	}
	return nil, nil, nil
}

// checkGate pins the profile's check address and verifies the tunnel
// actually forwards, by ICMP or a TCP touch of the API port.
func (p *Prober) checkGate(ctx context.Context, profileID int64, iface, checkIP string) (bool, func()) {
	unwind := func() {}
	if err := p.tunnels.AddDestRule(profileID, checkIP); err != nil {
		p.log.Warn("probe: check rule failed", "check_ip", checkIP, "error", err)
		return false, unwind
	}
	if err := p.tunnels.PinHostRoute(profileID, checkIP, iface); err != nil {
		p.tunnels.DelDestRule(profileID, checkIP)
		p.log.Warn("probe: check pin failed", "check_ip", checkIP, "error", err)
		return false, unwind
	}
	unwind = func() {
		p.tunnels.UnpinHostRoute(profileID, checkIP)
		p.tunnels.DelDestRule(profileID, checkIP)
	}

	if p.icmp(ctx, checkIP) {
		return true, unwind
	}
	if p.tcp(checkIP, routeros.APIPort, tcpTimeout) {
		return true, unwind
	}
	return false, unwind
}

// sweep tries every tenant credential against the device API port.
func (p *Prober) sweep(ctx context.Context, owner, ip string) *Result {
	creds, err := p.store.ListCredentials(ctx, owner)
	if err != nil {
		return &Result{Reachable: false, Detail: fmt.Sprintf("credentials: %v", err)}
	}
	if len(creds) == 0 {
		return &Result{Reachable: false, Detail: "no credentials configured"}
	}

	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", ip, routeros.APIPort)
	for i := range creds {
		if sweepCtx.Err() != nil {
			break
		}
		cred := &creds[i]
		credCtx, credCancel := context.WithTimeout(sweepCtx, perCredTimeout)
		s, err := p.dialer.Dial(credCtx, addr, cred.Username, cred.Password)
		credCancel()
		if err != nil {
			continue
		}
		_ = s.Close()
		return &Result{Reachable: true, CredentialID: &cred.ID}
	}
	return &Result{Reachable: false, Detail: "no credential accepted"}
}

// SetProbes replaces the ICMP and TCP checks. Tests only.
func (p *Prober) SetProbes(icmp func(context.Context, string) bool, tcp func(string, int, time.Duration) bool) {
	if icmp != nil {
		p.icmp = icmp
	}
	if tcp != nil {
		p.tcp = tcp
	}
}
