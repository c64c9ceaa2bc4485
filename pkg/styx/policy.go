package styx

import (
	"net/netip"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
)

// The routing policy is two rules and two routes:
//
//	pref P   from <subnet> lookup main suppress_prefixlength 0
//	pref P+1 from <subnet> lookup <table>
//	default via <local> dev <device> table <table> metric 10
//	blackhole default table <table> metric 1000
//
// The suppress rule lets the subnet reach specific main-table routes (its own
// bridge, the LAN) while the host default route is never used for it.

func SuppressRule(p domain.RoutingPolicy) kernel.Rule {
	return kernel.Rule{
		Priority:          p.RulePriority,
		Table:             kernel.TableMain,
		Src:               p.Source,
		SuppressPrefixlen: 0,
	}
}

func TableRule(p domain.RoutingPolicy) kernel.Rule {
	return kernel.Rule{
		Priority:          p.RulePriority + 1,
		Table:             p.Table,
		Src:               p.Source,
		SuppressPrefixlen: kernel.NoSuppress,
	}
}

func DefaultRoute(p domain.RoutingPolicy, device string) kernel.Route {
	return kernel.Route{
		Table:  p.Table,
		Dst:    netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Gw:     p.Via,
		Device: device,
		Metric: domain.PrimaryMetric,
	}
}

func BlackholeRoute(p domain.RoutingPolicy) kernel.Route {
	return kernel.Route{
		Table:     p.Table,
		Dst:       netip.PrefixFrom(netip.IPv4Unspecified(), 0),
		Metric:    domain.BlackholeMetric,
		Blackhole: true,
	}
}

// ownTableEntries are the entries this identity places in the private table.
func ownTableEntries(p domain.RoutingPolicy, device string) ([]kernel.Rule, []kernel.Route) {
	return []kernel.Rule{TableRule(p)}, []kernel.Route{DefaultRoute(p, device), BlackholeRoute(p)}
}
