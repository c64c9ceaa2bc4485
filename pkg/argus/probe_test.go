package argus

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/hostsim"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func newProbe(h *hostsim.MockHost) *Probe {
	return &Probe{
		Kernel:     h,
		Engine:     h,
		Tables:     h,
		Runtime:    h,
		Lookup:     h,
		ProbeImage: "curlimages/curl:latest",
		EchoURL:    "https://ifconfig.me/ip",
	}
}

func TestProbe_InterfaceStateAbsent(t *testing.T) {
	p := newProbe(hostsim.NewMockHost())

	st, err := p.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.False(t, st.Operational())
	assert.Equal(t, "wg0-docker: absent", st.String())
}

func TestProbe_InterfaceStateReportsFlagsAndAddress(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)

	require.NoError(t, h.AddLink("wg0-docker", kernel.LinkKindTunnel))
	require.NoError(t, h.AddAddr("wg0-docker", netip.MustParsePrefix("10.8.0.2/24")))

	st, err := p.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.False(t, st.AdminUp)
	assert.Equal(t, netip.MustParseAddr("10.8.0.2"), st.AssignedAddress)

	require.NoError(t, h.SetLinkUp("wg0-docker"))
	st, err = p.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.True(t, st.Operational())
}

func TestProbe_CarrierLagsAdminState(t *testing.T) {
	h := hostsim.NewMockHost()
	h.CarrierDelay = 2
	p := newProbe(h)

	require.NoError(t, h.AddLink("wg0-docker", kernel.LinkKindTunnel))
	require.NoError(t, h.SetLinkUp("wg0-docker"))

	ok, _, err := p.LinkOperational("wg0-docker")(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = p.LinkOperational("wg0-docker")(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, observed, err := p.LinkOperational("wg0-docker")(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, observed)
}

func TestProbe_RoutingTableInUse(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)

	inUse, err := p.RoutingTableInUse(100)
	require.NoError(t, err)
	assert.False(t, inUse)

	h.SeedRule(kernel.Rule{Priority: 500, Table: 100, SuppressPrefixlen: kernel.NoSuppress})
	inUse, err = p.RoutingTableInUse(100)
	require.NoError(t, err)
	assert.True(t, inUse)

	h2 := hostsim.NewMockHost()
	h2.SeedRoute(kernel.Route{Table: 100, Blackhole: true, Metric: 5})
	inUse, err = newProbe(h2).RoutingTableInUse(100)
	require.NoError(t, err)
	assert.True(t, inUse)
}

func TestProbe_ForeignTableEntries(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)

	own := kernel.Rule{Priority: 10001, Table: 100, Src: netip.MustParsePrefix("10.20.0.0/16"), SuppressPrefixlen: kernel.NoSuppress}
	ownRoute := kernel.Route{Table: 100, Blackhole: true, Metric: domain.BlackholeMetric}
	h.SeedRule(own)
	h.SeedRoute(ownRoute)

	foreign, err := p.ForeignTableEntries(100, []kernel.Rule{own}, []kernel.Route{ownRoute})
	require.NoError(t, err)
	assert.Empty(t, foreign)

	h.SeedRoute(kernel.Route{Table: 100, Dst: netip.MustParsePrefix("192.168.5.0/24"), Device: "eth1"})
	h.SeedRule(kernel.Rule{Priority: 300, Table: 100, Src: netip.MustParsePrefix("172.16.0.0/12"), SuppressPrefixlen: kernel.NoSuppress})

	foreign, err = p.ForeignTableEntries(100, []kernel.Rule{own}, []kernel.Route{ownRoute})
	require.NoError(t, err)
	assert.Len(t, foreign, 2)
	assert.Contains(t, foreign, "route 192.168.5.0/24 dev eth1 table 100 metric 0")
	assert.Contains(t, foreign, "rule pref 300 from 172.16.0.0/12 lookup 100")
}

func TestProbe_NetworkQueriesOnAbsentNetwork(t *testing.T) {
	p := newProbe(hostsim.NewMockHost())
	ctx := context.Background()

	exists, err := p.NetworkExists(ctx, "wg0-net")
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := p.NetworkActiveConnections(ctx, "wg0-net")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := p.NetworkBridge(ctx, "wg0-net")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProbe_NetworkQueries(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)
	ctx := context.Background()

	desc := domain.NetworkDescriptor{Name: "wg0-net", Subnet: netip.MustParsePrefix("10.20.0.0/16"), MTU: 1420, Bridge: "br-wg0-net"}
	require.NoError(t, h.CreateNetwork(ctx, desc, domain.Identity{Network: "wg0-net", Device: "wg0-docker"}))
	h.Attach("wg0-net", 3)

	exists, err := p.NetworkExists(ctx, "wg0-net")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := p.NetworkActiveConnections(ctx, "wg0-net")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	bridge, ok, err := p.NetworkBridge(ctx, "wg0-net")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "br-wg0-net", bridge)
}

func TestProbe_ExternalAddress(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)
	ctx := context.Background()

	addr, err := p.ExternalAddress(ctx, "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.HostAddr, addr)

	desc := domain.NetworkDescriptor{Name: "wg0-net", Subnet: netip.MustParsePrefix("10.20.0.0/16"), MTU: 1420}
	require.NoError(t, h.CreateNetwork(ctx, desc, domain.Identity{}))
	addr, err = p.ExternalAddress(ctx, "wg0-net", time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.HostAddr, addr, "no tunnel policy installed yet")
}

func TestProbe_ExternalAddressTimeoutIsAbsent(t *testing.T) {
	h := hostsim.NewMockHost()
	h.ProbeErr = context.DeadlineExceeded
	p := newProbe(h)
	ctx := context.Background()

	require.NoError(t, h.CreateNetwork(ctx, domain.NetworkDescriptor{Name: "wg0-net", Subnet: netip.MustParsePrefix("10.20.0.0/16"), MTU: 1420}, domain.Identity{}))

	addr, err := p.ExternalAddress(ctx, "wg0-net", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, addr.IsValid())

	h.ProbeErr = errors.New("image pull denied")
	_, err = p.ExternalAddress(ctx, "wg0-net", time.Second)
	assert.Error(t, err)
}

func TestPredicates_WantFalse(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)
	ctx := context.Background()

	rule := kernel.Rule{Priority: 10001, Table: 100, Src: netip.MustParsePrefix("10.20.0.0/16"), SuppressPrefixlen: kernel.NoSuppress}
	route := kernel.Route{Table: 100, Blackhole: true, Metric: domain.BlackholeMetric}
	fw := domain.FirewallRuleSet{Subnet: netip.MustParsePrefix("10.20.0.0/16"), Device: "wg0-docker", Bridge: "br-wg0-net"}.Masquerade()

	for name, pred := range map[string]func(bool) bool{
		"link":     func(w bool) bool { ok, _, _ := p.LinkExists("wg0-docker", w)(ctx); return ok },
		"admin":    func(w bool) bool { ok, _, _ := p.LinkAdminUp("wg0-docker", w)(ctx); return ok },
		"rule":     func(w bool) bool { ok, _, _ := p.RulePresent(rule, w)(ctx); return ok },
		"route":    func(w bool) bool { ok, _, _ := p.RoutePresent(route, w)(ctx); return ok },
		"firewall": func(w bool) bool { ok, _, _ := p.FirewallRulePresent(fw, w)(ctx); return ok },
		"network":  func(w bool) bool { ok, _, _ := p.NetworkPresent("wg0-net", w)(ctx); return ok },
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, pred(false))
			assert.False(t, pred(true))
		})
	}
}

func TestPredicates_ForwardingAndMTU(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)
	ctx := context.Background()

	ok, observed, err := p.ForwardingEnabled()(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "net.ipv4.ip_forward=0", observed)

	require.NoError(t, h.SetSysctl(kernel.SysctlIPForward, "1"))
	ok, _, err = p.ForwardingEnabled()(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.AddLink("wg0-docker", kernel.LinkKindTunnel))
	require.NoError(t, h.SetLinkMTU("wg0-docker", 1380))
	ok, _, err = p.MTUIs("wg0-docker", 1380)(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPredicates_EngineLoaded(t *testing.T) {
	h := hostsim.NewMockHost()
	p := newProbe(h)
	ctx := context.Background()

	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	cfg := wgtypes.Config{
		PrivateKey:   &priv,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{{PublicKey: peer.PublicKey()}},
	}

	ok, _, err := p.EngineLoaded("wg0-docker", cfg)(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no device yet")

	require.NoError(t, h.AddLink("wg0-docker", kernel.LinkKindTunnel))
	ok, _, err = p.EngineLoaded("wg0-docker", cfg)(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "device not configured")

	require.NoError(t, h.ConfigureDevice("wg0-docker", cfg))
	ok, _, err = p.EngineLoaded("wg0-docker", cfg)(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
