package domain

import (
	"fmt"
	"net/netip"
	"strings"
)

// Tunnel limits

const (
	// MaxTunnelMTU is the largest payload MTU that fits a 1500 byte underlay
	// once the 80 byte tunnel encapsulation overhead is paid.
	MaxTunnelMTU = 1420

	MinRoutingTable = 1
	MaxRoutingTable = 252

	// PrimaryMetric and BlackholeMetric order the two default routes of the
	// private table. The tunnel route wins while the device exists.
	PrimaryMetric   = 10
	BlackholeMetric = 1000
)

// Identity names one tunnel/network binding. It keys the named lock and
// tags every log line of an invocation.
type Identity struct {
	Network string `json:"network" yaml:"network"`
	Device  string `json:"device" yaml:"device"`
}

func (id Identity) String() string {
	return id.Network + "+" + id.Device
}

// TunnelConfig is what the resolver extracts from the engine config file.

type TunnelConfig struct {
	LocalAddress  netip.Addr `json:"local_address"`
	PrefixLength  int        `json:"prefix_length"`
	RawConfigPath string     `json:"raw_config_path"`

	// EngineConfig is the raw file with the IP-layer directives commented out.
	EngineConfig string `json:"-"`
}

// Prefix returns the address with its configured prefix length.
func (c *TunnelConfig) Prefix() netip.Prefix {
	return netip.PrefixFrom(c.LocalAddress, c.PrefixLength)
}

// NetworkDescriptor identifies the container network bound to the tunnel.

type NetworkDescriptor struct {
	Name   string       `json:"name"`
	Subnet netip.Prefix `json:"subnet"`
	MTU    int          `json:"mtu"`
	Bridge string       `json:"bridge"`
}

func (n NetworkDescriptor) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("network name is empty")
	}
	if !n.Subnet.IsValid() {
		return fmt.Errorf("network %s: subnet is not a valid CIDR", n.Name)
	}
	if n.Subnet.Masked() != n.Subnet {
		return fmt.Errorf("network %s: subnet %s has host bits set", n.Name, n.Subnet)
	}
	if n.MTU <= 0 || n.MTU > MaxTunnelMTU {
		return fmt.Errorf("network %s: mtu %d outside 1..%d", n.Name, n.MTU, MaxTunnelMTU)
	}
	return nil
}

// RoutingPolicy binds a source subnet to the tunnel through a private table.

type RoutingPolicy struct {
	Table        int          `json:"table"`
	Source       netip.Prefix `json:"source"`
	Via          netip.Addr   `json:"via"`
	RulePriority int          `json:"rule_priority"`
}

func (p RoutingPolicy) Validate() error {
	if p.Table < MinRoutingTable || p.Table > MaxRoutingTable {
		return fmt.Errorf("routing table %d outside %d..%d", p.Table, MinRoutingTable, MaxRoutingTable)
	}
	if !p.Source.IsValid() {
		return fmt.Errorf("routing policy source is not a valid CIDR")
	}
	if p.RulePriority <= 0 {
		return fmt.Errorf("rule priority must be positive, got %d", p.RulePriority)
	}
	return nil
}

// InterfaceState is read fresh from the kernel on every probe.

type InterfaceState struct {
	Name            string     `json:"name"`
	Exists          bool       `json:"exists"`
	AdminUp         bool       `json:"admin_up"`
	CarrierUp       bool       `json:"carrier_up"`
	MTU             int        `json:"mtu,omitempty"`
	AssignedAddress netip.Addr `json:"assigned_address,omitzero"`
}

// Operational reports whether both the administrative and carrier flags are up.
func (s InterfaceState) Operational() bool {
	return s.Exists && s.AdminUp && s.CarrierUp
}

func (s InterfaceState) String() string {
	if !s.Exists {
		return fmt.Sprintf("%s: absent", s.Name)
	}
	addr := "none"
	if s.AssignedAddress.IsValid() {
		addr = s.AssignedAddress.String()
	}
	return fmt.Sprintf("%s: admin_up=%t carrier_up=%t mtu=%d addr=%s", s.Name, s.AdminUp, s.CarrierUp, s.MTU, addr)
}

// Firewall

type FirewallRule struct {
	Table string   `json:"table"`
	Chain string   `json:"chain"`
	Spec  []string `json:"spec"`
}

func (r FirewallRule) String() string {
	return fmt.Sprintf("-t %s -A %s %s", r.Table, r.Chain, strings.Join(r.Spec, " "))
}

// FirewallRuleSet is keyed by the network and the tunnel device. Rules are
// asserted present or absent individually, never by position.
type FirewallRuleSet struct {
	Subnet netip.Prefix
	Device string
	Bridge string
}

func (s FirewallRuleSet) Masquerade() FirewallRule {
	return FirewallRule{
		Table: "nat",
		Chain: "POSTROUTING",
		Spec:  []string{"-s", s.Subnet.String(), "-o", s.Device, "-j", "MASQUERADE"},
	}
}

func (s FirewallRuleSet) ForwardIn() FirewallRule {
	return FirewallRule{
		Table: "filter",
		Chain: "FORWARD",
		Spec:  []string{"-i", s.Device, "-o", s.Bridge, "-j", "ACCEPT"},
	}
}

func (s FirewallRuleSet) ForwardOut() FirewallRule {
	return FirewallRule{
		Table: "filter",
		Chain: "FORWARD",
		Spec:  []string{"-i", s.Bridge, "-o", s.Device, "-j", "ACCEPT"},
	}
}

func (s FirewallRuleSet) Rules() []FirewallRule {
	return []FirewallRule{s.Masquerade(), s.ForwardIn(), s.ForwardOut()}
}

// States

type State string

const (
	StateDown          State = "DOWN"
	StateTransitioning State = "TRANSITIONING"
	StateUp            State = "UP"
	StateFailed        State = "FAILED"
)

type Health string

const (
	HealthUp   Health = "UP"
	HealthDown Health = "DOWN"
)
