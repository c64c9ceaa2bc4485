package argus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"slices"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/firewall"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"github.com/tartarus-sandbox/styx/pkg/sisyphus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// The predicates below are the closed set of state propositions the
// orchestrator may wait on. Each takes the desired truth value so the same
// proposition serves both the up and the down sequence.

func (p *Probe) LinkExists(name string, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		st, err := p.InterfaceState(name)
		if err != nil {
			return false, "", err
		}
		return st.Exists == want, st.String(), nil
	}
}

func (p *Probe) LinkAdminUp(name string, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		st, err := p.InterfaceState(name)
		if err != nil {
			return false, "", err
		}
		if !st.Exists {
			return !want, st.String(), nil
		}
		return st.AdminUp == want, st.String(), nil
	}
}

// LinkOperational holds when the link is administratively up with carrier.
func (p *Probe) LinkOperational(name string) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		st, err := p.InterfaceState(name)
		if err != nil {
			return false, "", err
		}
		return st.Operational(), st.String(), nil
	}
}

func (p *Probe) AddressAssigned(name string, addr netip.Prefix) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		addrs, err := p.Kernel.Addrs(name)
		if errors.Is(err, kernel.ErrNotFound) {
			return false, name + ": absent", nil
		}
		if err != nil {
			return false, "", err
		}
		return slices.Contains(addrs, addr), fmt.Sprintf("%s: %v", name, addrs), nil
	}
}

// ForwardingEnabled reads the value back through the sysctl read path.
func (p *Probe) ForwardingEnabled() sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		v, err := p.Kernel.Sysctl(kernel.SysctlIPForward)
		if err != nil {
			return false, "", err
		}
		return v == "1", kernel.SysctlIPForward + "=" + v, nil
	}
}

func (p *Probe) MTUIs(name string, mtu int) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		st, err := p.InterfaceState(name)
		if err != nil {
			return false, "", err
		}
		return st.Exists && st.MTU == mtu, st.String(), nil
	}
}

func (p *Probe) RulePresent(rule kernel.Rule, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		rules, err := p.Kernel.Rules()
		if err != nil {
			return false, "", err
		}
		found := slices.ContainsFunc(rules, rule.Matches)
		return found == want, fmt.Sprintf("rule %s present=%t", rule, found), nil
	}
}

func (p *Probe) RoutePresent(route kernel.Route, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		routes, err := p.Kernel.Routes(route.Table)
		if err != nil {
			return false, "", err
		}
		found := slices.ContainsFunc(routes, route.Matches)
		return found == want, fmt.Sprintf("route %s present=%t", route, found), nil
	}
}

func (p *Probe) FirewallRulePresent(rule domain.FirewallRule, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		found, err := firewall.Present(p.Tables, rule)
		if err != nil {
			return false, "", err
		}
		return found == want, fmt.Sprintf("%s present=%t", rule, found), nil
	}
}

// EngineLoaded holds when the device carries the configured private key and
// exactly the configured peers.
func (p *Probe) EngineLoaded(name string, cfg wgtypes.Config) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		dev, err := p.Engine.Device(name)
		if errors.Is(err, fs.ErrNotExist) {
			return false, name + ": no engine device", nil
		}
		if err != nil {
			return false, "", err
		}
		observed := fmt.Sprintf("%s: public_key=%s peers=%d", name, dev.PublicKey, len(dev.Peers))

		if cfg.PrivateKey != nil && dev.PrivateKey != *cfg.PrivateKey {
			return false, observed, nil
		}
		if cfg.ListenPort != nil && dev.ListenPort != *cfg.ListenPort {
			return false, observed, nil
		}
		if len(dev.Peers) != len(cfg.Peers) {
			return false, observed, nil
		}
		for _, want := range cfg.Peers {
			if !slices.ContainsFunc(dev.Peers, func(got wgtypes.Peer) bool { return got.PublicKey == want.PublicKey }) {
				return false, observed, nil
			}
		}
		return true, observed, nil
	}
}

func (p *Probe) NetworkPresent(name string, want bool) sisyphus.Predicate {
	return func(ctx context.Context) (bool, string, error) {
		ok, err := p.NetworkExists(ctx, name)
		if err != nil {
			return false, "", err
		}
		return ok == want, fmt.Sprintf("network %s present=%t", name, ok), nil
	}
}
