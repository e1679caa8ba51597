package wgpeer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// connectedWindow is how recent the latest handshake must be for a peer
// to count as connected.
const connectedWindow = 180 * time.Second

// PeerStatus is the parsed state of one registered peer.
type PeerStatus struct {
	PublicKey       string    `json:"public_key"`
	Endpoint        string    `json:"endpoint,omitempty"`
	AllowedIPs      string    `json:"allowed_ips,omitempty"`
	LatestHandshake time.Time `json:"latest_handshake,omitempty"`
	Connected       bool      `json:"connected"`
	RxBytes         int64     `json:"rx_bytes"`
	TxBytes         int64     `json:"tx_bytes"`
}

// Status finds a peer in the wg show dump output.
func (r *Registrar) Status(ctx context.Context, clock clockwork.Clock, publicKey, iface string) (*PeerStatus, error) {
	if iface == "" {
		iface = r.defaults.Interface
	}
	ok, out := r.runner.Run(ctx, "wg", "show", iface, "dump")
	if !ok {
		return nil, fmt.Errorf("wg show %s dump failed: %s", iface, strings.TrimSpace(out))
	}
	status, found := ParseDump(out, publicKey, clock.Now())
	if !found {
		return nil, fmt.Errorf("peer %s not found on %s", publicKey, iface)
	}
	return status, nil
}

// ParseDump scans wg dump output for the peer. Both dump layouts are
// accepted: 8 fields per peer line (wg show <iface> dump) and 9 with a
// leading interface column (wg show all dump).
func ParseDump(out, publicKey string, now time.Time) (*PeerStatus, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		// peer lines carry either 8 fields, or 9 with the iface prefix
		var peer []string
		switch {
		case len(fields) == 8 && fields[0] == publicKey:
			peer = fields
		case len(fields) == 9 && fields[1] == publicKey:
			peer = fields[1:]
		default:
			continue
		}

		status := &PeerStatus{PublicKey: publicKey}
		if peer[2] != "(none)" {
			status.Endpoint = peer[2]
		}
		status.AllowedIPs = peer[3]
		if epoch, err := strconv.ParseInt(peer[4], 10, 64); err == nil && epoch > 0 {
			status.LatestHandshake = time.Unix(epoch, 0).UTC()
			status.Connected = now.Sub(status.LatestHandshake) < connectedWindow
		}
		if v, err := strconv.ParseInt(peer[5], 10, 64); err == nil {
			status.RxBytes = v
		}
		if v, err := strconv.ParseInt(peer[6], 10, 64); err == nil {
			status.TxBytes = v
		}
		return status, true
	}
	return nil, false
}
