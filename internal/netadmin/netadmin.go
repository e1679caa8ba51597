package netadmin

import (
	"errors"
	"fmt"
	"net"
)

var (
	ErrRuleExists  = errors.New("rule already exists")
	ErrRouteExists = errors.New("route already exists")
	ErrNotFound    = errors.New("object not found")
)

// Rule is a policy routing rule selecting a lookup table by source,
// destination or incoming interface.
type Rule struct {
	Priority int
	Table    int
	Src      *net.IPNet
	Dst      *net.IPNet
	IifName  string
}

func (r *Rule) String() string {
	var src, dst string
	if r.Src != nil {
		src = r.Src.String()
	}
	if r.Dst != nil {
		dst = r.Dst.String()
	}
	return fmt.Sprintf("priority: %d, table: %d, src: %s, dst: %s, iif: %s", r.Priority, r.Table, src, dst, r.IifName)
}

// Route is a kernel route in a numbered table, bound to an interface.
type Route struct {
	Table int
	Dst   *net.IPNet
	Iface string
}

func (r *Route) String() string {
	var dst string
	if r.Dst != nil {
		dst = r.Dst.String()
	}
	return fmt.Sprintf("table: %d, dst: %s, dev: %s", r.Table, dst, r.Iface)
}

// NetAdmin is the kernel-facing surface of the VPN session manager. The
// production implementation talks netlink; tests record calls.
type NetAdmin interface {
	RuleAdd(r *Rule) error
	RuleDel(r *Rule) error
	RouteReplace(rt *Route) error
	RouteDel(rt *Route) error
	// FlushTable removes every route from the given table.
	FlushTable(table int) error
	LinkExistsUp(name string) (bool, error)
	// LinkIPv4 returns the first IPv4 address assigned to the link.
	LinkIPv4(name string) (string, error)
	// EnsureVRF creates the VRF device bound to the table and brings it up.
	EnsureVRF(name string, table int) error
	LinkSetMaster(iface, master string) error
}

// HostNet parses an IPv4 address into a /32 network suitable for
// per-destination rules and pinned host routes.
func HostNet(ip string) (*net.IPNet, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address: %q", ip)
	}
	return &net.IPNet{IP: parsed.To4(), Mask: net.CIDRMask(32, 32)}, nil
}
