// Package argus answers read-only questions about host state. Absence is a
// valid answer, never an error.
package argus

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/firewall"
	"github.com/tartarus-sandbox/styx/pkg/kampe"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
)

// Probe composes the host seams into typed queries. Nothing is cached; every
// call reads the kernel or runtime afresh.
type Probe struct {
	Kernel  kernel.Kernel
	Engine  kernel.Engine
	Tables  firewall.Tables
	Runtime kampe.Runtime
	Lookup  AddressLookup

	// ProbeImage runs EchoURL through curl from inside a network.
	ProbeImage string
	EchoURL    string
}

func (p *Probe) InterfaceState(name string) (domain.InterfaceState, error) {
	st := domain.InterfaceState{Name: name}
	link, err := p.Kernel.Link(name)
	if errors.Is(err, kernel.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Exists = true
	st.AdminUp = link.AdminUp
	st.CarrierUp = link.Carrier
	st.MTU = link.MTU

	addrs, err := p.Kernel.Addrs(name)
	if errors.Is(err, kernel.ErrNotFound) {
		// Deleted between the two reads.
		return domain.InterfaceState{Name: name}, nil
	}
	if err != nil {
		return st, err
	}
	if len(addrs) > 0 {
		st.AssignedAddress = addrs[0].Addr()
	}
	return st, nil
}

// RoutingTableInUse reports whether any route lives in the table or any
// rule points at it.
func (p *Probe) RoutingTableInUse(table int) (bool, error) {
	routes, err := p.Kernel.Routes(table)
	if err != nil {
		return false, err
	}
	if len(routes) > 0 {
		return true, nil
	}
	rules, err := p.Kernel.Rules()
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(rules, func(r kernel.Rule) bool { return r.Table == table }), nil
}

// ForeignTableEntries lists rules and routes referencing the table that are
// not among the given entries.
func (p *Probe) ForeignTableEntries(table int, ownRules []kernel.Rule, ownRoutes []kernel.Route) ([]string, error) {
	var foreign []string

	routes, err := p.Kernel.Routes(table)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if !slices.ContainsFunc(ownRoutes, r.Matches) {
			foreign = append(foreign, "route "+r.String())
		}
	}

	rules, err := p.Kernel.Rules()
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Table == table && !slices.ContainsFunc(ownRules, r.Matches) {
			foreign = append(foreign, "rule "+r.String())
		}
	}
	return foreign, nil
}

func (p *Probe) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := p.Runtime.Network(ctx, name)
	if errors.Is(err, kampe.ErrNetworkNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NetworkActiveConnections counts containers attached to the network; an
// absent network has none.
func (p *Probe) NetworkActiveConnections(ctx context.Context, name string) (int, error) {
	n, err := p.Runtime.Network(ctx, name)
	if errors.Is(err, kampe.ErrNetworkNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n.ActiveEndpoints, nil
}

// NetworkBridge returns the bridge device backing the network, if it exists.
func (p *Probe) NetworkBridge(ctx context.Context, name string) (string, bool, error) {
	n, err := p.Runtime.Network(ctx, name)
	if errors.Is(err, kampe.ErrNetworkNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return n.Bridge, true, nil
}

// ExternalAddress resolves the apparent public address, from the host when
// via is empty or from a probe container attached to the via network. A
// timeout yields the zero address rather than an error.
func (p *Probe) ExternalAddress(ctx context.Context, via string, timeout time.Duration) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		addr netip.Addr
		err  error
	)
	if via == "" {
		addr, err = p.Lookup.HostAddress(ctx)
	} else {
		addr, err = p.networkAddress(ctx, via, timeout)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return netip.Addr{}, nil
		}
		return netip.Addr{}, err
	}
	return addr, nil
}

func (p *Probe) networkAddress(ctx context.Context, network string, timeout time.Duration) (netip.Addr, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	out, err := p.Runtime.RunProbe(ctx, network, p.ProbeImage, []string{"-s", "--max-time", strconv.Itoa(secs), p.EchoURL})
	if err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(out)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("probe on %s returned %q: %w", network, out, err)
	}
	return addr.Unmap(), nil
}
