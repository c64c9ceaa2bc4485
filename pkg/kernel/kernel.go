// Package kernel is the narrow seam between the orchestrator and host
// networking state. Everything above it speaks in typed links, rules and
// routes; only the Linux implementation knows about netlink messages.
package kernel

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ErrNotFound is returned when the addressed link, rule or route is absent.
var ErrNotFound = errors.New("not found")

// TableMain is the kernel's main routing table.
const TableMain = 254

// NoSuppress marks a rule without a suppress_prefixlength selector.
const NoSuppress = -1

// LinkKindTunnel is the link kind created for the tunnel device.
const LinkKindTunnel = "wireguard"

const SysctlIPForward = "net.ipv4.ip_forward"

type Link struct {
	Name    string
	Index   int
	Kind    string
	MTU     int
	AdminUp bool
	Carrier bool
}

// Rule is one policy routing rule. Only the selectors this tool installs
// are modelled.
type Rule struct {
	Priority          int
	Table             int
	Src               netip.Prefix
	SuppressPrefixlen int
}

func (r Rule) String() string {
	s := fmt.Sprintf("pref %d", r.Priority)
	if r.Src.IsValid() {
		s += " from " + r.Src.String()
	} else {
		s += " from all"
	}
	s += fmt.Sprintf(" lookup %d", r.Table)
	if r.SuppressPrefixlen >= 0 {
		s += fmt.Sprintf(" suppress_prefixlength %d", r.SuppressPrefixlen)
	}
	return s
}

// Matches compares the selectors that identify a rule on the host.
func (r Rule) Matches(o Rule) bool {
	return r.Priority == o.Priority && r.Table == o.Table && r.Src == o.Src && r.SuppressPrefixlen == o.SuppressPrefixlen
}

type Route struct {
	Table     int
	Dst       netip.Prefix // zero value means default
	Gw        netip.Addr
	Device    string
	Metric    int
	Blackhole bool
}

func (r Route) IsDefault() bool {
	return !r.Dst.IsValid() || r.Dst.Bits() == 0
}

func (r Route) String() string {
	dst := "default"
	if !r.IsDefault() {
		dst = r.Dst.String()
	}
	if r.Blackhole {
		return fmt.Sprintf("blackhole %s table %d metric %d", dst, r.Table, r.Metric)
	}
	s := dst
	if r.Gw.IsValid() {
		s += " via " + r.Gw.String()
	}
	if r.Device != "" {
		s += " dev " + r.Device
	}
	return s + fmt.Sprintf(" table %d metric %d", r.Table, r.Metric)
}

// Matches compares the fields that identify a route within its table.
func (r Route) Matches(o Route) bool {
	if r.Table != o.Table || r.Metric != o.Metric || r.Blackhole != o.Blackhole || r.IsDefault() != o.IsDefault() {
		return false
	}
	if !r.IsDefault() && r.Dst != o.Dst {
		return false
	}
	if r.Blackhole {
		return true
	}
	return r.Gw == o.Gw && r.Device == o.Device
}

// Kernel wraps the host networking calls used by the orchestrator so they
// can be replaced in tests.
type Kernel interface {
	// Link returns the named link or ErrNotFound.
	// Equivalent to: `ip link show $name`
	Link(name string) (*Link, error)
	// AddLink creates a link of the given kind.
	// Equivalent to: `ip link add $name type $kind`
	AddLink(name, kind string) error
	// DeleteLink removes the named link.
	// Equivalent to: `ip link del $name`
	DeleteLink(name string) error
	// SetLinkUp enables the link.
	// Equivalent to: `ip link set $name up`
	SetLinkUp(name string) error
	// SetLinkDown disables the link.
	// Equivalent to: `ip link set $name down`
	SetLinkDown(name string) error
	// SetLinkMTU sets the mtu of the link.
	// Equivalent to: `ip link set $name mtu $mtu`
	SetLinkMTU(name string, mtu int) error
	// Addrs lists the IPv4 addresses of the link.
	// Equivalent to: `ip -4 addr show dev $name`
	Addrs(name string) ([]netip.Prefix, error)
	// AddAddr assigns an address to the link.
	// Equivalent to: `ip addr add $addr dev $name`
	AddAddr(name string, addr netip.Prefix) error
	// Rules lists the IPv4 policy routing rules.
	// Equivalent to: `ip -4 rule show`
	Rules() ([]Rule, error)
	// AddRule installs a rule.
	// Equivalent to: `ip rule add $rule`
	AddRule(rule Rule) error
	// DeleteRule removes a rule, returning ErrNotFound if absent.
	// Equivalent to: `ip rule del $rule`
	DeleteRule(rule Rule) error
	// Routes lists the IPv4 routes of a table.
	// Equivalent to: `ip -4 route show table $table`
	Routes(table int) ([]Route, error)
	// AddRoute installs a route.
	// Equivalent to: `ip route add $route`
	AddRoute(route Route) error
	// DeleteRoute removes a route, returning ErrNotFound if absent.
	// Equivalent to: `ip route del $route`
	DeleteRoute(route Route) error
	// Sysctl reads a kernel parameter in dotted form.
	// Equivalent to: `sysctl -n $key`
	Sysctl(key string) (string, error)
	// SetSysctl writes a kernel parameter in dotted form.
	// Equivalent to: `sysctl -w $key=$value`
	SetSysctl(key, value string) error
}

// Engine is the tunnel engine's control API. *wgctrl.Client satisfies it.
type Engine interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}
