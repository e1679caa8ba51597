// Package vpn manages per-profile WireGuard tunnels with policy based
// routing. Each tenant profile gets a dedicated interface, routing table,
// rule priorities and (best effort) a VRF; sensor workers share tunnels
// through reference counts.
package vpn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/m360-net/m360/internal/metrics"
	"github.com/m360-net/m360/internal/netadmin"
)

const (
	policyTableBase  = 10000
	rulePrioBase     = 10000
	sourcePrioBase   = 11000
	upPollAttempts   = 30
	upPollInterval   = 100 * time.Millisecond
	confFilePerm     = 0o600
	ifacePrefix      = "m360-p"
	vrfPrefix        = "m360-vrfp"
	defaultConfDir   = "/run/m360"
)

func IfaceName(profileID int64) string { return fmt.Sprintf("%s%d", ifacePrefix, profileID) }
func VRFName(profileID int64) string   { return fmt.Sprintf("%s%d", vrfPrefix, profileID) }
func TableID(profileID int64) int      { return policyTableBase + int(profileID) }
func RulePriority(profileID int64) int { return rulePrioBase + int(profileID) }
func SourcePriority(profileID int64) int {
	return sourcePrioBase + int(profileID)
}

// ProfileLoader fetches the stored WireGuard config for a profile.
type ProfileLoader interface {
	VPNProfileConfig(ctx context.Context, profileID int64) (string, error)
}

// profileState tracks one profile's tunnel. All fields are guarded by mu;
// refcount maps are only mutated under it.
type profileState struct {
	mu sync.Mutex

	iface    string
	confPath string
	tunIP    string
	refcount int
	up       bool

	destRuleRefs  map[string]int
	hostRouteRefs map[string]int
}

// Manager owns every profile tunnel in the process.
type Manager struct {
	log      *slog.Logger
	runner   netadmin.Runner
	net      netadmin.NetAdmin
	profiles ProfileLoader
	clock    clockwork.Clock
	confDir  string

	mu    sync.Mutex
	state map[int64]*profileState
}

func NewManager(log *slog.Logger, runner netadmin.Runner, na netadmin.NetAdmin, profiles ProfileLoader, clock clockwork.Clock, confDir string) *Manager {
	if confDir == "" {
		confDir = defaultConfDir
	}
	return &Manager{
		log:      log,
		runner:   runner,
		net:      na,
		profiles: profiles,
		clock:    clock,
		confDir:  confDir,
		state:    make(map[int64]*profileState),
	}
}

func (m *Manager) stateFor(profileID int64) *profileState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[profileID]
	if !ok {
		st = &profileState{
			iface:         IfaceName(profileID),
			destRuleRefs:  make(map[string]int),
			hostRouteRefs: make(map[string]int),
		}
		m.state[profileID] = st
	}
	return st
}

func (m *Manager) confPath(profileID int64) string {
	return filepath.Join(m.confDir, IfaceName(profileID)+".conf")
}

// EnsureUp brings the profile tunnel up (or reuses it) and takes a
// reference. Returns the interface name.
func (m *Manager) EnsureUp(ctx context.Context, profileID int64) (string, error) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	iface := st.iface

	if st.up {
		if up, err := m.net.LinkExistsUp(iface); err == nil && up {
			m.ensureBasePBR(profileID, st)
			m.ensureVRF(profileID, iface)
			st.refcount++
			m.log.Info("vpn: reuse tunnel", "iface", iface, "profile", profileID, "refcount", st.refcount)
			return iface, nil
		}
	}

	raw, err := m.profiles.VPNProfileConfig(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("load vpn profile %d: %w", profileID, err)
	}

	confPath := m.confPath(profileID)
	conf := InjectTableOff(NormalizeConfig(raw))
	if err := os.MkdirAll(m.confDir, 0o700); err != nil {
		return "", fmt.Errorf("create conf dir: %w", err)
	}
	if err := os.WriteFile(confPath, []byte(conf), confFilePerm); err != nil {
		return "", fmt.Errorf("write wg config: %w", err)
	}

	if ok, out := m.runner.Run(ctx, "wg-quick", "up", confPath); !ok {
		// wg-quick refuses when the iface pre-exists; accept if wg still
		// reports it, otherwise tear down and retry once.
		if okShow, _ := m.runner.Run(ctx, "wg", "show", iface); !okShow {
			m.runner.RunQuiet(ctx, "wg-quick", "down", confPath)
			ok2, out2 := m.runner.Run(ctx, "wg-quick", "up", confPath)
			if !ok2 {
				metrics.TunnelUpsTotal.WithLabelValues("error").Inc()
				if out2 == "" {
					out2 = out
				}
				return "", fmt.Errorf("wg-quick up %s failed: %s", iface, out2)
			}
		}
	}

	m.ensureBasePBR(profileID, st)
	m.ensureVRF(profileID, iface)

	for i := 0; i < upPollAttempts; i++ {
		if up, err := m.net.LinkExistsUp(iface); err == nil && up {
			st.confPath = confPath
			st.up = true
			st.refcount++
			metrics.TunnelUpsTotal.WithLabelValues("ok").Inc()
			metrics.TunnelsActive.Inc()
			m.log.Info("vpn: tunnel up", "iface", iface, "profile", profileID, "refcount", st.refcount)
			return iface, nil
		}
		m.clock.Sleep(upPollInterval)
	}
	metrics.TunnelUpsTotal.WithLabelValues("timeout").Inc()
	return "", fmt.Errorf("interface %s did not come up after wg-quick", iface)
}

// ensureBasePBR installs the profile's default route in its table and the
// "from <tunip>/32" source rule. Idempotent; called under the profile lock.
func (m *Manager) ensureBasePBR(profileID int64, st *profileState) {
	table := TableID(profileID)
	if err := m.net.RouteReplace(&netadmin.Route{Table: table, Iface: st.iface}); err != nil {
		m.log.Warn("vpn: default route install failed", "iface", st.iface, "table", table, "error", err)
	}
	tunIP, err := m.net.LinkIPv4(st.iface)
	if err != nil {
		m.log.Warn("vpn: no tunnel IPv4 yet", "iface", st.iface, "error", err)
		return
	}
	st.tunIP = tunIP
	src := &net.IPNet{IP: net.ParseIP(tunIP).To4(), Mask: net.CIDRMask(32, 32)}
	err = m.net.RuleAdd(&netadmin.Rule{Priority: SourcePriority(profileID), Table: table, Src: src})
	if err != nil && err != netadmin.ErrRuleExists {
		m.log.Warn("vpn: source rule install failed", "iface", st.iface, "error", err)
	}
}

// ensureVRF binds the tunnel into a per-profile VRF. Best effort: kernels
// without VRF support just log.
func (m *Manager) ensureVRF(profileID int64, iface string) {
	vrf := VRFName(profileID)
	table := TableID(profileID)
	if err := m.net.EnsureVRF(vrf, table); err != nil {
		m.log.Warn("vpn: vrf create failed", "vrf", vrf, "error", err)
		return
	}
	if err := m.net.LinkSetMaster(iface, vrf); err != nil {
		m.log.Warn("vpn: vrf enslave failed", "iface", iface, "vrf", vrf, "error", err)
		return
	}
	err := m.net.RuleAdd(&netadmin.Rule{Priority: SourcePriority(profileID), Table: table, IifName: iface})
	if err != nil && err != netadmin.ErrRuleExists {
		m.log.Warn("vpn: iif rule install failed", "iface", iface, "error", err)
	}
}

// Release drops one reference. At zero the profile table and rules are
// cleared; the interface itself stays up for cheap reuse.
func (m *Manager) Release(profileID int64) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.refcount == 0 {
		return
	}
	st.refcount--
	if st.refcount > 0 {
		return
	}
	m.clearPBRLocked(profileID, st)
	metrics.TunnelsActive.Dec()
	m.log.Info("vpn: released", "iface", st.iface, "profile", profileID)
}

// clearPBRLocked flushes the table, removes every tracked destination rule
// and the source rule, and resets the pin counters. Caller holds st.mu.
func (m *Manager) clearPBRLocked(profileID int64, st *profileState) {
	table := TableID(profileID)
	if err := m.net.FlushTable(table); err != nil {
		m.log.Warn("vpn: table flush failed", "table", table, "error", err)
	}
	for ip := range st.destRuleRefs {
		if dst, err := netadmin.HostNet(ip); err == nil {
			_ = m.net.RuleDel(&netadmin.Rule{Priority: RulePriority(profileID), Table: table, Dst: dst})
		}
	}
	st.destRuleRefs = make(map[string]int)
	st.hostRouteRefs = make(map[string]int)
	if st.tunIP != "" {
		if src, err := netadmin.HostNet(st.tunIP); err == nil {
			_ = m.net.RuleDel(&netadmin.Rule{Priority: SourcePriority(profileID), Table: table, Src: src})
		}
	}
	_ = m.net.RuleDel(&netadmin.Rule{Priority: SourcePriority(profileID), Table: table, IifName: st.iface})
}

// AddDestRule installs (refcounted) the "to <ip> lookup <table>" rule that
// steers one destination through the profile tunnel.
func (m *Manager) AddDestRule(profileID int64, ip string) error {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.destRuleRefs[ip] == 0 {
		dst, err := netadmin.HostNet(ip)
		if err != nil {
			return err
		}
		err = m.net.RuleAdd(&netadmin.Rule{Priority: RulePriority(profileID), Table: TableID(profileID), Dst: dst})
		if err != nil && err != netadmin.ErrRuleExists {
			return fmt.Errorf("add dest rule for %s: %w", ip, err)
		}
	}
	st.destRuleRefs[ip]++
	return nil
}

// DelDestRule drops one reference on the destination rule, removing it at
// zero.
func (m *Manager) DelDestRule(profileID int64, ip string) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.destRuleRefs[ip] == 0 {
		return
	}
	st.destRuleRefs[ip]--
	if st.destRuleRefs[ip] > 0 {
		return
	}
	delete(st.destRuleRefs, ip)
	dst, err := netadmin.HostNet(ip)
	if err != nil {
		return
	}
	err = m.net.RuleDel(&netadmin.Rule{Priority: RulePriority(profileID), Table: TableID(profileID), Dst: dst})
	if err != nil && err != netadmin.ErrNotFound {
		m.log.Warn("vpn: dest rule delete failed", "ip", ip, "profile", profileID, "error", err)
	}
}

// PinHostRoute installs (refcounted) the host route forcing <ip> out the
// tunnel device inside the profile table.
func (m *Manager) PinHostRoute(profileID int64, ip, iface string) error {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hostRouteRefs[ip] == 0 {
		dst, err := netadmin.HostNet(ip)
		if err != nil {
			return err
		}
		if err := m.net.RouteReplace(&netadmin.Route{Table: TableID(profileID), Dst: dst, Iface: iface}); err != nil {
			return fmt.Errorf("pin host route for %s: %w", ip, err)
		}
	}
	st.hostRouteRefs[ip]++
	return nil
}

// UnpinHostRoute drops one reference on the pinned host route, removing it
// at zero.
func (m *Manager) UnpinHostRoute(profileID int64, ip string) {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.hostRouteRefs[ip] == 0 {
		return
	}
	st.hostRouteRefs[ip]--
	if st.hostRouteRefs[ip] > 0 {
		return
	}
	delete(st.hostRouteRefs, ip)
	dst, err := netadmin.HostNet(ip)
	if err != nil {
		return
	}
	err = m.net.RouteDel(&netadmin.Route{Table: TableID(profileID), Dst: dst})
	if err != nil && err != netadmin.ErrNotFound {
		m.log.Warn("vpn: host route unpin failed", "ip", ip, "profile", profileID, "error", err)
	}
}

// TeardownAll is the shutdown path: wg-quick down for every known profile
// and full PBR cleanup.
func (m *Manager) TeardownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.state))
	for id := range m.state {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		st := m.stateFor(id)
		st.mu.Lock()
		if st.confPath != "" {
			m.runner.RunQuiet(ctx, "wg-quick", "down", st.confPath)
			if err := os.Remove(st.confPath); err != nil && !os.IsNotExist(err) {
				m.log.Warn("vpn: conf remove failed", "path", st.confPath, "error", err)
			}
			m.clearPBRLocked(id, st)
		}
		if st.up {
			st.up = false
			m.log.Info("vpn: tunnel down", "iface", st.iface, "profile", id)
		}
		st.mu.Unlock()
	}
}

// Refcount reports the current reference count of a profile. Used by the
// debug surface and tests.
func (m *Manager) Refcount(profileID int64) int {
	st := m.stateFor(profileID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.refcount
}
