// Package hostsim is an in-memory host used to exercise the orchestrator
// without root: links, addresses, rules, routes, sysctls, the tunnel engine,
// packet filter rules and container networks. Every mutating call is counted.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/kampe"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type MockHost struct {
	mu sync.Mutex

	links   map[string]*kernel.Link
	addrs   map[string][]netip.Prefix
	rules   []kernel.Rule
	routes  map[int][]kernel.Route
	sysctl  map[string]string
	devices map[string]*wgtypes.Device
	filter  map[string][]string

	networks map[string]*kampe.Network
	nextIdx  int

	// pendingCarrier counts link reads left before carrier comes up.
	pendingCarrier map[string]int

	// CarrierDelay is how many reads a link stays without carrier after
	// being set up. Negative means carrier never comes up.
	CarrierDelay int

	HostAddr   netip.Addr
	TunnelAddr netip.Addr
	ProbeErr   error

	// Fail makes the named mutating call return the error.
	Fail map[string]error

	mutations int
	calls     []string
}

func NewMockHost() *MockHost {
	return &MockHost{
		links:          make(map[string]*kernel.Link),
		addrs:          make(map[string][]netip.Prefix),
		routes:         make(map[int][]kernel.Route),
		sysctl:         map[string]string{kernel.SysctlIPForward: "0"},
		devices:        make(map[string]*wgtypes.Device),
		filter:         make(map[string][]string),
		networks:       make(map[string]*kampe.Network),
		pendingCarrier: make(map[string]int),
		nextIdx:        10,
		HostAddr:       netip.MustParseAddr("203.0.113.10"),
		TunnelAddr:     netip.MustParseAddr("198.51.100.20"),
		Fail:           make(map[string]error),
	}
}

// Mutations returns the number of mutating calls made so far.
func (h *MockHost) Mutations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutations
}

// Calls returns the mutating calls in order.
func (h *MockHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// CountCalls counts mutating calls whose name starts with prefix.
func (h *MockHost) CountCalls(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (h *MockHost) mutate(call string) error {
	h.mutations++
	h.calls = append(h.calls, call)
	name, _, _ := strings.Cut(call, " ")
	if err, ok := h.Fail[name]; ok {
		return err
	}
	return nil
}

// Snapshot is the observable host state relevant to the orchestrator.
type Snapshot struct {
	Links    []string
	Rules    []string
	Routes   []string
	Filter   []string
	Networks []string
	Forward  string
}

func (h *MockHost) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s Snapshot
	for name := range h.links {
		s.Links = append(s.Links, name)
	}
	for _, r := range h.rules {
		s.Rules = append(s.Rules, r.String())
	}
	for _, rs := range h.routes {
		for _, r := range rs {
			s.Routes = append(s.Routes, r.String())
		}
	}
	for k, rs := range h.filter {
		for _, r := range rs {
			s.Filter = append(s.Filter, k+" "+r)
		}
	}
	for name := range h.networks {
		s.Networks = append(s.Networks, name)
	}
	s.Forward = h.sysctl[kernel.SysctlIPForward]
	sort.Strings(s.Links)
	sort.Strings(s.Rules)
	sort.Strings(s.Routes)
	sort.Strings(s.Filter)
	sort.Strings(s.Networks)
	return s
}

// Kernel

func (h *MockHost) Link(name string) (*kernel.Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	if l.AdminUp && !l.Carrier {
		if n, ok := h.pendingCarrier[name]; ok && n >= 0 {
			if n == 0 {
				l.Carrier = true
				delete(h.pendingCarrier, name)
			} else {
				h.pendingCarrier[name] = n - 1
			}
		}
	}
	cp := *l
	return &cp, nil
}

func (h *MockHost) AddLink(name, kind string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("AddLink " + name); err != nil {
		return err
	}
	if _, ok := h.links[name]; ok {
		return fmt.Errorf("link %s: file exists", name)
	}
	h.nextIdx++
	h.links[name] = &kernel.Link{Name: name, Index: h.nextIdx, Kind: kind, MTU: 1420}
	return nil
}

func (h *MockHost) DeleteLink(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("DeleteLink " + name); err != nil {
		return err
	}
	if _, ok := h.links[name]; !ok {
		return fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	delete(h.links, name)
	delete(h.addrs, name)
	delete(h.devices, name)
	delete(h.pendingCarrier, name)
	// The kernel drops routes through a deleted device.
	for table, rs := range h.routes {
		h.routes[table] = slices.DeleteFunc(rs, func(r kernel.Route) bool { return r.Device == name })
		if len(h.routes[table]) == 0 {
			delete(h.routes, table)
		}
	}
	return nil
}

func (h *MockHost) SetLinkUp(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("SetLinkUp " + name); err != nil {
		return err
	}
	l, ok := h.links[name]
	if !ok {
		return fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	l.AdminUp = true
	switch {
	case h.CarrierDelay == 0:
		l.Carrier = true
	case h.CarrierDelay > 0:
		h.pendingCarrier[name] = h.CarrierDelay
	default:
		h.pendingCarrier[name] = -1
	}
	return nil
}

func (h *MockHost) SetLinkDown(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("SetLinkDown " + name); err != nil {
		return err
	}
	l, ok := h.links[name]
	if !ok {
		return fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	l.AdminUp = false
	l.Carrier = false
	return nil
}

func (h *MockHost) SetLinkMTU(name string, mtu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("SetLinkMTU " + name); err != nil {
		return err
	}
	l, ok := h.links[name]
	if !ok {
		return fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	l.MTU = mtu
	return nil
}

func (h *MockHost) Addrs(name string) ([]netip.Prefix, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		return nil, fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	return slices.Clone(h.addrs[name]), nil
}

func (h *MockHost) AddAddr(name string, addr netip.Prefix) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("AddAddr " + name); err != nil {
		return err
	}
	if _, ok := h.links[name]; !ok {
		return fmt.Errorf("link %s: %w", name, kernel.ErrNotFound)
	}
	if slices.Contains(h.addrs[name], addr) {
		return fmt.Errorf("address %s: file exists", addr)
	}
	h.addrs[name] = append(h.addrs[name], addr)
	return nil
}

func (h *MockHost) Rules() ([]kernel.Rule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.rules), nil
}

// SeedRule installs a rule without counting it as a mutation.
func (h *MockHost) SeedRule(rule kernel.Rule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules = append(h.rules, rule)
}

// SeedRoute installs a route without counting it as a mutation.
func (h *MockHost) SeedRoute(route kernel.Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[route.Table] = append(h.routes[route.Table], route)
}

func (h *MockHost) AddRule(rule kernel.Rule) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("AddRule " + rule.String()); err != nil {
		return err
	}
	if slices.ContainsFunc(h.rules, rule.Matches) {
		return fmt.Errorf("rule %s: file exists", rule)
	}
	h.rules = append(h.rules, rule)
	return nil
}

func (h *MockHost) DeleteRule(rule kernel.Rule) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("DeleteRule " + rule.String()); err != nil {
		return err
	}
	i := slices.IndexFunc(h.rules, rule.Matches)
	if i < 0 {
		return fmt.Errorf("rule %s: %w", rule, kernel.ErrNotFound)
	}
	h.rules = slices.Delete(h.rules, i, i+1)
	return nil
}

func (h *MockHost) Routes(table int) ([]kernel.Route, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.routes[table]), nil
}

func (h *MockHost) AddRoute(route kernel.Route) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("AddRoute " + route.String()); err != nil {
		return err
	}
	if route.Device != "" {
		if _, ok := h.links[route.Device]; !ok {
			return fmt.Errorf("route %s: %w", route, kernel.ErrNotFound)
		}
	}
	if slices.ContainsFunc(h.routes[route.Table], route.Matches) {
		return fmt.Errorf("route %s: file exists", route)
	}
	h.routes[route.Table] = append(h.routes[route.Table], route)
	return nil
}

func (h *MockHost) DeleteRoute(route kernel.Route) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("DeleteRoute " + route.String()); err != nil {
		return err
	}
	rs := h.routes[route.Table]
	i := slices.IndexFunc(rs, route.Matches)
	if i < 0 {
		return fmt.Errorf("route %s: %w", route, kernel.ErrNotFound)
	}
	h.routes[route.Table] = slices.Delete(rs, i, i+1)
	if len(h.routes[route.Table]) == 0 {
		delete(h.routes, route.Table)
	}
	return nil
}

func (h *MockHost) Sysctl(key string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.sysctl[key]
	if !ok {
		return "", fmt.Errorf("sysctl %s: %w", key, kernel.ErrNotFound)
	}
	return v, nil
}

func (h *MockHost) SetSysctl(key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("SetSysctl " + key); err != nil {
		return err
	}
	h.sysctl[key] = value
	return nil
}

// Engine

func (h *MockHost) Device(name string) (*wgtypes.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.links[name]; !ok {
		return nil, os.ErrNotExist
	}
	dev, ok := h.devices[name]
	if !ok {
		return &wgtypes.Device{Name: name, Type: wgtypes.LinuxKernel}, nil
	}
	cp := *dev
	cp.Peers = slices.Clone(dev.Peers)
	return &cp, nil
}

func (h *MockHost) ConfigureDevice(name string, cfg wgtypes.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("ConfigureDevice " + name); err != nil {
		return err
	}
	if _, ok := h.links[name]; !ok {
		return os.ErrNotExist
	}
	dev := &wgtypes.Device{Name: name, Type: wgtypes.LinuxKernel}
	if cfg.PrivateKey != nil {
		dev.PrivateKey = *cfg.PrivateKey
		dev.PublicKey = cfg.PrivateKey.PublicKey()
	}
	if cfg.ListenPort != nil {
		dev.ListenPort = *cfg.ListenPort
	}
	for _, p := range cfg.Peers {
		dev.Peers = append(dev.Peers, wgtypes.Peer{PublicKey: p.PublicKey, AllowedIPs: p.AllowedIPs})
	}
	h.devices[name] = dev
	return nil
}

func (h *MockHost) Close() error { return nil }

// Packet filter

func (h *MockHost) Exists(table, chain string, spec ...string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.filter[table+"/"+chain], strings.Join(spec, " ")), nil
}

func (h *MockHost) Append(table, chain string, spec ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("Append " + table + "/" + chain); err != nil {
		return err
	}
	k := table + "/" + chain
	h.filter[k] = append(h.filter[k], strings.Join(spec, " "))
	return nil
}

func (h *MockHost) DeleteIfExists(table, chain string, spec ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("Delete " + table + "/" + chain); err != nil {
		return err
	}
	k := table + "/" + chain
	if i := slices.Index(h.filter[k], strings.Join(spec, " ")); i >= 0 {
		h.filter[k] = slices.Delete(h.filter[k], i, i+1)
	}
	if len(h.filter[k]) == 0 {
		delete(h.filter, k)
	}
	return nil
}

// SeedFilter installs a packet filter rule without counting it.
func (h *MockHost) SeedFilter(table, chain string, spec ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := table + "/" + chain
	h.filter[k] = append(h.filter[k], strings.Join(spec, " "))
}

// Container runtime

func (h *MockHost) Network(ctx context.Context, name string) (*kampe.Network, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kampe.ErrNetworkNotFound, name)
	}
	cp := *n
	return &cp, nil
}

func (h *MockHost) CreateNetwork(ctx context.Context, desc domain.NetworkDescriptor, identity domain.Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("CreateNetwork " + desc.Name); err != nil {
		return err
	}
	if _, ok := h.networks[desc.Name]; ok {
		return fmt.Errorf("network with name %s already exists", desc.Name)
	}
	bridge := desc.Bridge
	if bridge == "" {
		bridge = kampe.BridgeName(desc.Name)
	}
	h.networks[desc.Name] = &kampe.Network{
		ID:      "net-" + desc.Name,
		Name:    desc.Name,
		Subnets: []netip.Prefix{desc.Subnet},
		Bridge:  bridge,
		MTU:     desc.MTU,
	}
	return nil
}

func (h *MockHost) RemoveNetwork(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.mutate("RemoveNetwork " + name); err != nil {
		return err
	}
	n, ok := h.networks[name]
	if !ok {
		return fmt.Errorf("%w: %s", kampe.ErrNetworkNotFound, name)
	}
	if n.ActiveEndpoints > 0 {
		return fmt.Errorf("network %s has active endpoints", name)
	}
	delete(h.networks, name)
	return nil
}

// Attach simulates containers joining a network.
func (h *MockHost) Attach(name string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if net, ok := h.networks[name]; ok {
		net.ActiveEndpoints += n
	}
}

// RunProbe reports the tunnel's address when traffic from the network would
// leave through an operational tunnel device, the host's otherwise.
func (h *MockHost) RunProbe(ctx context.Context, networkName, image string, cmd []string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ProbeErr != nil {
		return "", h.ProbeErr
	}
	n, ok := h.networks[networkName]
	if !ok {
		return "", fmt.Errorf("network %s not found", networkName)
	}
	if h.tunneled(n) {
		return h.TunnelAddr.String(), nil
	}
	return h.HostAddr.String(), nil
}

func (h *MockHost) tunneled(n *kampe.Network) bool {
	for _, rule := range h.rules {
		if rule.Table == kernel.TableMain || !slices.Contains(n.Subnets, rule.Src) {
			continue
		}
		for _, route := range h.routes[rule.Table] {
			if route.Blackhole || !route.IsDefault() {
				continue
			}
			if l, ok := h.links[route.Device]; ok && l.AdminUp && l.Carrier {
				return true
			}
		}
	}
	return false
}

// HostAddress implements the host-side address lookup.
func (h *MockHost) HostAddress(ctx context.Context) (netip.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.HostAddr.IsValid() {
		return netip.Addr{}, errors.New("echo service unreachable")
	}
	return h.HostAddr, nil
}
