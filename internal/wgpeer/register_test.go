package wgpeer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	commands []string
	fail     map[string]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (bool, string) {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	for prefix, out := range f.fail {
		if strings.HasPrefix(cmd, prefix) {
			return false, out
		}
	}
	return true, ""
}

func (f *fakeRunner) RunQuiet(ctx context.Context, name string, args ...string) (bool, string) {
	return f.Run(ctx, name, args...)
}

type fixedKeys struct{}

func (fixedKeys) GenerateKeypair(context.Context) (string, string, error) {
	return "PRIV-KEY", "PUB-KEY", nil
}

type fakeAddrStore struct {
	used      map[string]bool
	persisted map[string]string
	fail      bool
}

func (f *fakeAddrStore) UsedWGAddresses(context.Context) (map[string]bool, error) {
	return f.used, nil
}

func (f *fakeAddrStore) SetWGAddress(_ context.Context, deviceID, addr string, _ time.Time) error {
	if f.fail {
		return fmt.Errorf("column missing")
	}
	if f.persisted == nil {
		f.persisted = map[string]string{}
	}
	f.persisted[deviceID] = addr
	return nil
}

func defaultSettings() Settings {
	return Settings{
		PoolCIDR:        "10.200.0.0/29",
		ServerPublicKey: "SERVER-PUB",
		EndpointHost:    "vpn.example.net",
		EndpointPort:    "51820",
		DNS:             "1.1.1.1",
		Interface:       "wg0",
	}
}

func newRegistrar(st *fakeAddrStore) (*Registrar, *fakeRunner) {
	runner := &fakeRunner{fail: map[string]string{}}
	r := NewRegistrar(slog.New(slog.DiscardHandler), runner, fixedKeys{}, st, defaultSettings())
	return r, runner
}

func TestRegister_AllocatesAndRendersConfigs(t *testing.T) {
	st := &fakeAddrStore{used: map[string]bool{}}
	r, runner := newRegistrar(st)

	reg, err := r.Register(context.Background(), Request{DeviceID: "dev-1", Name: "branch"})
	require.NoError(t, err)

	// .1 is the server; the first free host is .2
	assert.Equal(t, "10.200.0.2", reg.Address)
	assert.Equal(t, "vpn.example.net:51820", reg.Endpoint)
	assert.Contains(t, runner.commands, "wg set wg0 peer PUB-KEY allowed-ips 10.200.0.2/32")

	assert.Contains(t, reg.ClientConfig, "PrivateKey = PRIV-KEY")
	assert.Contains(t, reg.ClientConfig, "Address = 10.200.0.2/32")
	assert.Contains(t, reg.ClientConfig, "PublicKey = SERVER-PUB")
	assert.Contains(t, reg.ClientConfig, "Endpoint = vpn.example.net:51820")

	assert.Contains(t, reg.RouterOSScript, "/interface wireguard add name=wg-branch")
	assert.Contains(t, reg.RouterOSScript, "route-distance=254")
	assert.Contains(t, reg.RouterOSScript, "persistent-keepalive=25s")

	assert.Equal(t, "10.200.0.2", st.persisted["dev-1"])
}

func TestRegister_SkipsUsedAddresses(t *testing.T) {
	st := &fakeAddrStore{used: map[string]bool{"10.200.0.2": true, "10.200.0.3": true}}
	r, _ := newRegistrar(st)

	reg, err := r.Register(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "10.200.0.4", reg.Address)
}

func TestRegister_PoolExhausted(t *testing.T) {
	// /29 leaves hosts .1-.6; .1 is the server, rest taken
	st := &fakeAddrStore{used: map[string]bool{
		"10.200.0.2": true, "10.200.0.3": true, "10.200.0.4": true,
		"10.200.0.5": true, "10.200.0.6": true,
	}}
	r, _ := newRegistrar(st)

	_, err := r.Register(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestRegister_WGSetFailure(t *testing.T) {
	st := &fakeAddrStore{used: map[string]bool{}}
	r, runner := newRegistrar(st)
	runner.fail["wg set"] = "Unable to modify interface: Operation not permitted"

	_, err := r.Register(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wg set peer")
}

func TestRegister_PersistFailureIsSwallowed(t *testing.T) {
	st := &fakeAddrStore{used: map[string]bool{}, fail: true}
	r, _ := newRegistrar(st)

	reg, err := r.Register(context.Background(), Request{DeviceID: "dev-1"})
	require.NoError(t, err, "wg_address persistence is best-effort")
	assert.Equal(t, "10.200.0.2", reg.Address)
}

func TestParseDump(t *testing.T) {
	now := time.Unix(1_700_000_200, 0)
	recent := 1_700_000_100 // 100 s ago
	stale := 1_699_999_000  // 1200 s ago

	plain := fmt.Sprintf(
		"SRV-PRIV\tSRV-PUB\t51820\toff\n"+
			"PEER-A\t(none)\t203.0.113.9:61820\t10.200.0.2/32\t%d\t1024\t2048\t25\n"+
			"PEER-B\t(none)\t(none)\t10.200.0.3/32\t%d\t0\t0\t25\n",
		recent, stale)

	t.Run("plain_format_connected", func(t *testing.T) {
		s, found := ParseDump(plain, "PEER-A", now)
		require.True(t, found)
		assert.True(t, s.Connected)
		assert.Equal(t, "203.0.113.9:61820", s.Endpoint)
		assert.Equal(t, int64(1024), s.RxBytes)
		assert.Equal(t, int64(2048), s.TxBytes)
	})

	t.Run("plain_format_stale", func(t *testing.T) {
		s, found := ParseDump(plain, "PEER-B", now)
		require.True(t, found)
		assert.False(t, s.Connected)
		assert.Empty(t, s.Endpoint)
	})

	t.Run("iface_prefixed_format", func(t *testing.T) {
		prefixed := fmt.Sprintf("wg0\tPEER-C\t(none)\t198.51.100.4:51821\t10.200.0.4/32\t%d\t10\t20\t25\n", recent)
		s, found := ParseDump(prefixed, "PEER-C", now)
		require.True(t, found)
		assert.True(t, s.Connected)
	})

	t.Run("missing_peer", func(t *testing.T) {
		_, found := ParseDump(plain, "PEER-ZZ", now)
		assert.False(t, found)
	})

	t.Run("never_handshaken", func(t *testing.T) {
		out := "PEER-D\t(none)\t(none)\t10.200.0.5/32\t0\t0\t0\toff\n"
		s, found := ParseDump(out, "PEER-D", now)
		require.True(t, found)
		assert.False(t, s.Connected)
		assert.True(t, s.LatestHandshake.IsZero())
	})
}
