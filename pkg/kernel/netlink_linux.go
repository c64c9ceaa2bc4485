//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
)

// Netlink implements Kernel on top of vishvananda/netlink and /proc/sys.
type Netlink struct {
	procSys string
}

func NewNetlink() *Netlink {
	return &Netlink{procSys: "/proc/sys"}
}

// NewEngine opens the tunnel engine's control socket.
func NewEngine() (Engine, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open tunnel engine control: %w", err)
	}
	return c, nil
}

func (n *Netlink) Link(name string) (*Link, error) {
	l, err := n.linkByName(name)
	if err != nil {
		return nil, err
	}
	attrs := l.Attrs()
	return &Link{
		Name:    attrs.Name,
		Index:   attrs.Index,
		Kind:    l.Type(),
		MTU:     attrs.MTU,
		AdminUp: attrs.Flags&net.FlagUp != 0,
		Carrier: attrs.RawFlags&unix.IFF_LOWER_UP != 0,
	}, nil
}

func (n *Netlink) AddLink(name, kind string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name

	var link netlink.Link
	switch kind {
	case LinkKindTunnel:
		link = &netlink.Wireguard{LinkAttrs: la}
	default:
		link = &netlink.GenericLink{LinkAttrs: la, LinkType: kind}
	}
	if err := netlink.LinkAdd(link); err != nil {
		return fmt.Errorf("failed to create %s link %s: %w", kind, name, err)
	}
	return nil
}

func (n *Netlink) DeleteLink(name string) error {
	l, err := n.linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkDel(l); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", name, classify(err))
	}
	return nil
}

func (n *Netlink) SetLinkUp(name string) error {
	l, err := n.linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("failed to set link %s up: %w", name, err)
	}
	return nil
}

func (n *Netlink) SetLinkDown(name string) error {
	l, err := n.linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetDown(l); err != nil {
		return fmt.Errorf("failed to set link %s down: %w", name, classify(err))
	}
	return nil
}

func (n *Netlink) SetLinkMTU(name string, mtu int) error {
	l, err := n.linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMTU(l, mtu); err != nil {
		return fmt.Errorf("failed to set mtu %d on %s: %w", mtu, name, err)
	}
	return nil
}

func (n *Netlink) Addrs(name string) ([]netip.Prefix, error) {
	l, err := n.linkByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses for %s: %w", name, err)
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		if p, ok := toPrefix(a.IPNet); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (n *Netlink) AddAddr(name string, addr netip.Prefix) error {
	l, err := n.linkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(l, &netlink.Addr{IPNet: toIPNet(addr)}); err != nil {
		return fmt.Errorf("failed to add address %s to %s: %w", addr, name, err)
	}
	return nil
}

func (n *Netlink) Rules() ([]Rule, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		rule := Rule{
			Priority:          r.Priority,
			Table:             r.Table,
			SuppressPrefixlen: r.SuppressPrefixlen,
		}
		if p, ok := toPrefix(r.Src); ok {
			rule.Src = p
		}
		out = append(out, rule)
	}
	return out, nil
}

func (n *Netlink) AddRule(rule Rule) error {
	if err := netlink.RuleAdd(toNetlinkRule(rule)); err != nil {
		return fmt.Errorf("failed to add rule %s: %w", rule, err)
	}
	return nil
}

func (n *Netlink) DeleteRule(rule Rule) error {
	if err := netlink.RuleDel(toNetlinkRule(rule)); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", rule, classify(err))
	}
	return nil
}

func (n *Netlink) Routes(table int) ([]Route, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes of table %d: %w", table, err)
	}
	out := make([]Route, 0, len(routes))
	for _, r := range routes {
		route := Route{
			Table:     r.Table,
			Metric:    r.Priority,
			Blackhole: r.Type == unix.RTN_BLACKHOLE,
		}
		if p, ok := toPrefix(r.Dst); ok {
			route.Dst = p
		}
		if gw, ok := netip.AddrFromSlice(r.Gw); ok {
			route.Gw = gw.Unmap()
		}
		if r.LinkIndex > 0 {
			if l, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
				route.Device = l.Attrs().Name
			}
		}
		out = append(out, route)
	}
	return out, nil
}

func (n *Netlink) AddRoute(route Route) error {
	r, err := n.toNetlinkRoute(route)
	if err != nil {
		return err
	}
	if err := netlink.RouteAdd(r); err != nil {
		return fmt.Errorf("failed to add route %s: %w", route, err)
	}
	return nil
}

func (n *Netlink) DeleteRoute(route Route) error {
	r, err := n.toNetlinkRoute(route)
	if err != nil {
		return err
	}
	if err := netlink.RouteDel(r); err != nil {
		return fmt.Errorf("failed to delete route %s: %w", route, classify(err))
	}
	return nil
}

func (n *Netlink) Sysctl(key string) (string, error) {
	b, err := os.ReadFile(n.sysctlPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("sysctl %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read sysctl %s: %w", key, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (n *Netlink) SetSysctl(key, value string) error {
	if err := os.WriteFile(n.sysctlPath(key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write sysctl %s=%s: %w", key, value, err)
	}
	return nil
}

func (n *Netlink) sysctlPath(key string) string {
	return filepath.Join(n.procSys, strings.ReplaceAll(key, ".", "/"))
}

func (n *Netlink) linkByName(name string) (netlink.Link, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("link %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to look up link %s: %w", name, err)
	}
	return l, nil
}

func (n *Netlink) toNetlinkRoute(route Route) (*netlink.Route, error) {
	dst := route.Dst
	if !dst.IsValid() {
		dst = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	r := &netlink.Route{
		Family:   netlink.FAMILY_V4,
		Table:    route.Table,
		Dst:      toIPNet(dst),
		Priority: route.Metric,
	}
	if route.Blackhole {
		r.Type = unix.RTN_BLACKHOLE
		return r, nil
	}
	if route.Device != "" {
		l, err := n.linkByName(route.Device)
		if err != nil {
			return nil, err
		}
		r.LinkIndex = l.Attrs().Index
	}
	if route.Gw.IsValid() {
		r.Gw = net.IP(route.Gw.AsSlice())
	}
	return r, nil
}

func toNetlinkRule(rule Rule) *netlink.Rule {
	r := netlink.NewRule()
	r.Family = netlink.FAMILY_V4
	r.Priority = rule.Priority
	r.Table = rule.Table
	r.SuppressPrefixlen = rule.SuppressPrefixlen
	if rule.Src.IsValid() {
		r.Src = toIPNet(rule.Src)
	}
	return r
}

func toIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}

func toPrefix(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}

// classify maps the errno values netlink uses for missing objects onto
// ErrNotFound so removals can be treated as idempotent.
func classify(err error) error {
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
