// Package wgpeer registers WireGuard peers on the server interface and
// emits ready-to-paste client configs.
package wgpeer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strings"
	"time"

	"github.com/m360-net/m360/internal/netadmin"
)

// KeyGen produces a WireGuard keypair. The production implementation
// shells out to wg; tests substitute fixed keys.
type KeyGen interface {
	GenerateKeypair(ctx context.Context) (privateKey, publicKey string, err error)
}

// ExecKeyGen pipes wg genkey into wg pubkey.
type ExecKeyGen struct{}

func (ExecKeyGen) GenerateKeypair(ctx context.Context) (string, string, error) {
	out, err := exec.CommandContext(ctx, "wg", "genkey").Output()
	if err != nil {
		return "", "", fmt.Errorf("wg genkey: %w", err)
	}
	priv := strings.TrimSpace(string(out))

	cmd := exec.CommandContext(ctx, "wg", "pubkey")
	cmd.Stdin = strings.NewReader(priv + "\n")
	var pubBuf bytes.Buffer
	cmd.Stdout = &pubBuf
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("wg pubkey: %w", err)
	}
	return priv, strings.TrimSpace(pubBuf.String()), nil
}

// AddressStore is the device-row surface used for pool allocation.
type AddressStore interface {
	UsedWGAddresses(ctx context.Context) (map[string]bool, error)
	SetWGAddress(ctx context.Context, deviceID, addr string, now time.Time) error
}

// Settings are the server-side defaults, filled from the environment and
// overridable per request.
type Settings struct {
	PoolCIDR        string
	ServerPublicKey string
	EndpointHost    string
	EndpointPort    string
	DNS             string
	Interface       string
}

// Request is one auto-registration call.
type Request struct {
	DeviceID        string `json:"device_id,omitempty"`
	Name            string `json:"name,omitempty"`
	EndpointHost    string `json:"endpoint_host,omitempty"`
	EndpointPort    string `json:"endpoint_port,omitempty"`
	ServerPublicKey string `json:"server_public_key,omitempty"`
	DNS             string `json:"dns,omitempty"`
	AllowedIPs      string `json:"allowed_ips,omitempty"`
	Interface       string `json:"interface,omitempty"`
}

// Registration is the result handed back to the client.
type Registration struct {
	Address         string `json:"address"`
	PrivateKey      string `json:"private_key"`
	PublicKey       string `json:"public_key"`
	Endpoint        string `json:"endpoint"`
	ClientConfig    string `json:"client_config"`
	RouterOSScript  string `json:"routeros_script"`
	ServerInterface string `json:"server_interface"`
}

// Registrar allocates pool addresses and manages peers on the server
// WireGuard interface.
type Registrar struct {
	log      *slog.Logger
	runner   netadmin.Runner
	keys     KeyGen
	store    AddressStore
	defaults Settings
}

func NewRegistrar(log *slog.Logger, runner netadmin.Runner, keys KeyGen, st AddressStore, defaults Settings) *Registrar {
	return &Registrar{log: log, runner: runner, keys: keys, store: st, defaults: defaults}
}

func pick(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// Register generates a keypair, allocates the next free pool address,
// installs the peer and returns both config renditions. A failed install
// removes the peer again.
func (r *Registrar) Register(ctx context.Context, req Request) (*Registration, error) {
	host := pick(req.EndpointHost, r.defaults.EndpointHost)
	port := pick(req.EndpointPort, r.defaults.EndpointPort)
	serverPub := pick(req.ServerPublicKey, r.defaults.ServerPublicKey)
	dns := pick(req.DNS, r.defaults.DNS)
	iface := pick(req.Interface, r.defaults.Interface)
	allowed := pick(req.AllowedIPs, "0.0.0.0/0")
	if host == "" || serverPub == "" {
		return nil, fmt.Errorf("endpoint host and server public key are required")
	}

	priv, pub, err := r.keys.GenerateKeypair(ctx)
	if err != nil {
		return nil, err
	}

	addr, err := r.allocate(ctx)
	if err != nil {
		return nil, err
	}

	if ok, out := r.runner.Run(ctx, "wg", "set", iface,
		"peer", pub, "allowed-ips", addr+"/32"); !ok {
		return nil, fmt.Errorf("wg set peer: %s", strings.TrimSpace(out))
	}

	if req.DeviceID != "" {
		if err := r.store.SetWGAddress(ctx, req.DeviceID, addr, time.Now().UTC()); err != nil {
			// optional column, never fail the registration over it
			r.log.Warn("wgpeer: wg_address persist failed", "device_id", req.DeviceID, "error", err)
		}
	}

	endpoint := host + ":" + port
	reg := &Registration{
		Address:         addr,
		PrivateKey:      priv,
		PublicKey:       pub,
		Endpoint:        endpoint,
		ClientConfig:    clientINI(priv, addr, dns, serverPub, endpoint, allowed),
		RouterOSScript:  routerOSScript(req.Name, priv, addr, serverPub, host, port),
		ServerInterface: iface,
	}
	return reg, nil
}

// Remove deletes a peer from the server interface. Rollback and
// unregister path.
func (r *Registrar) Remove(ctx context.Context, publicKey string) {
	iface := r.defaults.Interface
	if ok, out := r.runner.RunQuiet(ctx, "wg", "set", iface, "peer", publicKey, "remove"); !ok {
		r.log.Warn("wgpeer: peer remove failed", "interface", iface, "output", strings.TrimSpace(out))
	}
}

// allocate walks the pool CIDR and returns the first host address not
// already assigned. The first host is the server's own.
func (r *Registrar) allocate(ctx context.Context) (string, error) {
	prefix, err := netip.ParsePrefix(r.defaults.PoolCIDR)
	if err != nil {
		return "", fmt.Errorf("pool cidr %q: %w", r.defaults.PoolCIDR, err)
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("pool cidr %q: IPv4 only", r.defaults.PoolCIDR)
	}

	used, err := r.store.UsedWGAddresses(ctx)
	if err != nil {
		return "", fmt.Errorf("used addresses: %w", err)
	}

	first := true
	for addr := prefix.Masked().Addr().Next(); prefix.Contains(addr); addr = addr.Next() {
		if first {
			// server host
			first = false
			continue
		}
		if isBroadcast(addr, prefix) {
			break
		}
		if !used[addr.String()] {
			return addr.String(), nil
		}
	}
	return "", fmt.Errorf("pool %s exhausted", r.defaults.PoolCIDR)
}

func isBroadcast(addr netip.Addr, prefix netip.Prefix) bool {
	return !prefix.Contains(addr.Next())
}

func clientINI(priv, addr, dns, serverPub, endpoint, allowed string) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", priv)
	fmt.Fprintf(&b, "Address = %s/32\n", addr)
	if dns != "" {
		fmt.Fprintf(&b, "DNS = %s\n", dns)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPub)
	fmt.Fprintf(&b, "Endpoint = %s\n", endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowed)
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

// routerOSScript renders the RouterOS 7 CLI equivalent of the client ini.
func routerOSScript(name, priv, addr, serverPub, host, port string) string {
	ifname := "wg-m360"
	if name != "" {
		ifname = "wg-" + name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "/interface wireguard add name=%s private-key=\"%s\"\n", ifname, priv)
	fmt.Fprintf(&b, "/ip address add address=%s/32 interface=%s\n", addr, ifname)
	fmt.Fprintf(&b, "/interface wireguard peers add interface=%s public-key=\"%s\" endpoint-address=%s endpoint-port=%s allowed-address=0.0.0.0/0 route-distance=254 persistent-keepalive=25s\n",
		ifname, serverPub, host, port)
	return b.String()
}
