//go:build linux

package netadmin

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	nl "github.com/vishvananda/netlink"
)

// Netlink implements NetAdmin against the kernel.
type Netlink struct{}

func (n Netlink) RuleAdd(r *Rule) error {
	rule := nl.NewRule()
	rule.Priority = r.Priority
	rule.Table = r.Table
	rule.Src = r.Src
	rule.Dst = r.Dst
	rule.IifName = r.IifName
	// kernel protocol so systemd-networkd restarts do not purge the rule
	rule.Protocol = syscall.RTPROT_KERNEL
	err := nl.RuleAdd(rule)
	if err != nil && errors.Is(err, syscall.EEXIST) {
		return ErrRuleExists
	}
	return err
}

func (n Netlink) RuleDel(r *Rule) error {
	rule := nl.NewRule()
	rule.Priority = r.Priority
	rule.Table = r.Table
	rule.Src = r.Src
	rule.Dst = r.Dst
	rule.IifName = r.IifName
	rule.Protocol = syscall.RTPROT_KERNEL
	err := nl.RuleDel(rule)
	if err != nil && (errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ESRCH)) {
		return ErrNotFound
	}
	return err
}

func (n Netlink) RouteReplace(rt *Route) error {
	link, err := nl.LinkByName(rt.Iface)
	if err != nil {
		return fmt.Errorf("link %s: %w", rt.Iface, err)
	}
	return nl.RouteReplace(&nl.Route{
		LinkIndex: link.Attrs().Index,
		Table:     rt.Table,
		Dst:       rt.Dst,
		Scope:     nl.SCOPE_LINK,
	})
}

func (n Netlink) RouteDel(rt *Route) error {
	route := &nl.Route{Table: rt.Table, Dst: rt.Dst}
	if rt.Iface != "" {
		link, err := nl.LinkByName(rt.Iface)
		if err == nil {
			route.LinkIndex = link.Attrs().Index
		}
	}
	err := nl.RouteDel(route)
	if err != nil && (errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ESRCH)) {
		return ErrNotFound
	}
	return err
}

func (n Netlink) FlushTable(table int) error {
	filter := &nl.Route{Table: table}
	routes, err := nl.RouteListFiltered(nl.FAMILY_V4, filter, nl.RT_FILTER_TABLE)
	if err != nil {
		return err
	}
	for i := range routes {
		if err := nl.RouteDel(&routes[i]); err != nil && !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return nil
}

func (n Netlink) LinkExistsUp(name string) (bool, error) {
	link, err := nl.LinkByName(name)
	if err != nil {
		var notFound nl.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return link.Attrs().Flags&net.FlagUp != 0, nil
}

func (n Netlink) LinkIPv4(name string) (string, error) {
	link, err := nl.LinkByName(name)
	if err != nil {
		return "", err
	}
	addrs, err := nl.AddrList(link, nl.FAMILY_V4)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("link %s has no IPv4 address: %w", name, ErrNotFound)
	}
	return addrs[0].IP.String(), nil
}

func (n Netlink) EnsureVRF(name string, table int) error {
	vrf := &nl.Vrf{
		LinkAttrs: nl.LinkAttrs{Name: name},
		Table:     uint32(table),
	}
	if err := nl.LinkAdd(vrf); err != nil && !errors.Is(err, syscall.EEXIST) {
		return err
	}
	link, err := nl.LinkByName(name)
	if err != nil {
		return err
	}
	return nl.LinkSetUp(link)
}

func (n Netlink) LinkSetMaster(iface, master string) error {
	link, err := nl.LinkByName(iface)
	if err != nil {
		return err
	}
	vrf, err := nl.LinkByName(master)
	if err != nil {
		return err
	}
	return nl.LinkSetMaster(link, vrf)
}
