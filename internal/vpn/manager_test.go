package vpn_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m360-net/m360/internal/netadmin"
	"github.com/m360-net/m360/internal/vpn"
)

// fakeRunner records commands and answers from a canned table.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	fail     map[string]bool // command prefix -> fail
}

func (f *fakeRunner) record(name string, args []string) string {
	cmd := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	return cmd
}

func (f *fakeRunner) result(cmd string) (bool, string) {
	for prefix, fail := range f.fail {
		if strings.HasPrefix(cmd, prefix) && fail {
			return false, "boom"
		}
	}
	return true, ""
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (bool, string) {
	return f.result(f.record(name, args))
}

func (f *fakeRunner) RunQuiet(_ context.Context, name string, args ...string) (bool, string) {
	return f.result(f.record(name, args))
}

func (f *fakeRunner) ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeNetAdmin tracks rules and routes like the kernel would.
type fakeNetAdmin struct {
	mu     sync.Mutex
	linkUp map[string]bool
	rules  map[string]int // rule string -> count
	routes map[string]int // route string -> count
}

func newFakeNetAdmin() *fakeNetAdmin {
	return &fakeNetAdmin{
		linkUp: map[string]bool{},
		rules:  map[string]int{},
		routes: map[string]int{},
	}
}

func (f *fakeNetAdmin) RuleAdd(r *netadmin.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rules[r.String()] > 0 {
		return netadmin.ErrRuleExists
	}
	f.rules[r.String()] = 1
	return nil
}

func (f *fakeNetAdmin) RuleDel(r *netadmin.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rules[r.String()] == 0 {
		return netadmin.ErrNotFound
	}
	delete(f.rules, r.String())
	return nil
}

func (f *fakeNetAdmin) RouteReplace(rt *netadmin.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[rt.String()] = 1
	return nil
}

func (f *fakeNetAdmin) RouteDel(rt *netadmin.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.routes {
		if strings.Contains(k, fmt.Sprintf("table: %d", rt.Table)) && rt.Dst != nil && strings.Contains(k, rt.Dst.String()) {
			delete(f.routes, k)
			return nil
		}
	}
	return netadmin.ErrNotFound
}

func (f *fakeNetAdmin) FlushTable(table int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.routes {
		if strings.Contains(k, fmt.Sprintf("table: %d", table)) {
			delete(f.routes, k)
		}
	}
	return nil
}

func (f *fakeNetAdmin) LinkExistsUp(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkUp[name], nil
}

func (f *fakeNetAdmin) LinkIPv4(string) (string, error) { return "10.66.0.2", nil }

func (f *fakeNetAdmin) EnsureVRF(name string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkUp[name] = true
	return nil
}

func (f *fakeNetAdmin) LinkSetMaster(string, string) error { return nil }

func (f *fakeNetAdmin) ruleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

func (f *fakeNetAdmin) routeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.routes)
}

// fakeProfiles hands out a static config and marks the iface up when
// wg-quick would have run.
type fakeProfiles struct{}

func (fakeProfiles) VPNProfileConfig(context.Context, int64) (string, error) {
	return sampleConfig, nil
}

func newTestManager(t *testing.T, fr *fakeRunner, fn *fakeNetAdmin) *vpn.Manager {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	return vpn.NewManager(log, fr, fn, fakeProfiles{}, clockwork.NewRealClock(), t.TempDir())
}

func TestManager_EnsureUpAndRelease_RefcountSoundness(t *testing.T) {
	fr := &fakeRunner{}
	fn := newFakeNetAdmin()
	fn.linkUp["m360-p7"] = true // wg-quick is faked, pretend iface comes up
	m := newTestManager(t, fr, fn)

	// sensor A
	iface, err := m.EnsureUp(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "m360-p7", iface)
	require.Equal(t, 1, m.Refcount(7))

	// sensor B shares the tunnel
	_, err = m.EnsureUp(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 2, m.Refcount(7))

	require.NoError(t, m.AddDestRule(7, "10.0.0.5"))
	require.NoError(t, m.PinHostRoute(7, "10.0.0.5", iface))

	// B cancelled: tunnel must survive
	m.Release(7)
	require.Equal(t, 1, m.Refcount(7))
	up, err := fn.LinkExistsUp("m360-p7")
	require.NoError(t, err)
	assert.True(t, up)

	// A cancelled: table flushed, rules gone
	m.DelDestRule(7, "10.0.0.5")
	m.UnpinHostRoute(7, "10.0.0.5")
	m.Release(7)
	require.Equal(t, 0, m.Refcount(7))
	assert.Equal(t, 0, fn.routeCount())
	assert.Equal(t, 0, fn.ruleCount())
}

func TestManager_DestRuleRefcounting(t *testing.T) {
	fr := &fakeRunner{}
	fn := newFakeNetAdmin()
	fn.linkUp["m360-p3"] = true
	m := newTestManager(t, fr, fn)

	_, err := m.EnsureUp(context.Background(), 3)
	require.NoError(t, err)
	base := fn.ruleCount()

	// two workers pin the same destination
	require.NoError(t, m.AddDestRule(3, "192.168.88.1"))
	require.NoError(t, m.AddDestRule(3, "192.168.88.1"))
	assert.Equal(t, base+1, fn.ruleCount())

	m.DelDestRule(3, "192.168.88.1")
	assert.Equal(t, base+1, fn.ruleCount(), "rule must survive while one ref remains")

	m.DelDestRule(3, "192.168.88.1")
	assert.Equal(t, base, fn.ruleCount())

	// extra delete is a no-op
	m.DelDestRule(3, "192.168.88.1")
	assert.Equal(t, base, fn.ruleCount())
}

func TestManager_HostRoutePinning(t *testing.T) {
	fr := &fakeRunner{}
	fn := newFakeNetAdmin()
	fn.linkUp["m360-p3"] = true
	m := newTestManager(t, fr, fn)

	iface, err := m.EnsureUp(context.Background(), 3)
	require.NoError(t, err)
	base := fn.routeCount()

	require.NoError(t, m.PinHostRoute(3, "10.1.2.3", iface))
	require.NoError(t, m.PinHostRoute(3, "10.1.2.3", iface))
	assert.Equal(t, base+1, fn.routeCount())

	m.UnpinHostRoute(3, "10.1.2.3")
	assert.Equal(t, base+1, fn.routeCount())
	m.UnpinHostRoute(3, "10.1.2.3")
	assert.Equal(t, base, fn.routeCount())
}

func TestManager_EnsureUpRunsWgQuick(t *testing.T) {
	fr := &fakeRunner{}
	fn := newFakeNetAdmin()
	fn.linkUp["m360-p12"] = true
	m := newTestManager(t, fr, fn)

	_, err := m.EnsureUp(context.Background(), 12)
	require.NoError(t, err)
	assert.True(t, fr.ran("wg-quick up"), "expected wg-quick up, got %v", fr.commands)

	// second ensure reuses the tunnel without another wg-quick
	fr.commands = nil
	_, err = m.EnsureUp(context.Background(), 12)
	require.NoError(t, err)
	assert.False(t, fr.ran("wg-quick up"))
}

func TestManager_EnsureUpRetriesAfterDown(t *testing.T) {
	fr := &fakeRunner{fail: map[string]bool{"wg-quick up": true, "wg show": true}}
	fn := newFakeNetAdmin()
	m := newTestManager(t, fr, fn)

	_, err := m.EnsureUp(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, fr.ran("wg-quick down"), "expected down between retries, got %v", fr.commands)
}

func TestManager_TeardownAll(t *testing.T) {
	fr := &fakeRunner{}
	fn := newFakeNetAdmin()
	fn.linkUp["m360-p9"] = true
	m := newTestManager(t, fr, fn)

	_, err := m.EnsureUp(context.Background(), 9)
	require.NoError(t, err)
	require.NoError(t, m.AddDestRule(9, "10.9.9.9"))

	m.TeardownAll(context.Background())
	assert.True(t, fr.ran("wg-quick down"))
	assert.Equal(t, 0, fn.routeCount())
	assert.Equal(t, 0, fn.ruleCount())
}

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "m360-p42", vpn.IfaceName(42))
	assert.Equal(t, "m360-vrfp42", vpn.VRFName(42))
	assert.Equal(t, 10042, vpn.TableID(42))
	assert.Equal(t, 10042, vpn.RulePriority(42))
	assert.Equal(t, 11042, vpn.SourcePriority(42))
}
