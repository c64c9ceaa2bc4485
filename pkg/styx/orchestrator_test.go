package styx

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/styx/pkg/ananke"
	"github.com/tartarus-sandbox/styx/pkg/argus"
	"github.com/tartarus-sandbox/styx/pkg/charon"
	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/hermes"
	"github.com/tartarus-sandbox/styx/pkg/hermes/audit"
	"github.com/tartarus-sandbox/styx/pkg/hostsim"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"github.com/tartarus-sandbox/styx/pkg/oath"
	"github.com/tartarus-sandbox/styx/pkg/sisyphus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func writeTunnelConfig(t *testing.T, address string) string {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	content := fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = %s
DNS = 1.1.1.1

[Peer]
PublicKey = %s
Endpoint = 192.0.2.1:51820
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, priv, address, peer.PublicKey())

	path := filepath.Join(t.TempDir(), "wg0.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func wgOptions(configPath string) Options {
	return Options{
		Network: domain.NetworkDescriptor{
			Name:   "wg0-net",
			Subnet: netip.MustParsePrefix("10.20.0.0/16"),
			MTU:    1420,
			Bridge: "br-wg0-net",
		},
		Device:       "wg0-docker",
		ConfigPath:   configPath,
		Table:        100,
		RulePriority: 10000,
		LockTimeout:  5 * time.Second,
	}
}

type harness struct {
	host    *hostsim.MockHost
	probe   *argus.Probe
	metrics *hermes.PrometheusMetrics
	orch    *Orchestrator
}

func newHarness(t *testing.T, host *hostsim.MockHost, locker ananke.Locker, opts Options) *harness {
	t.Helper()
	probe := &argus.Probe{
		Kernel:     host,
		Engine:     host,
		Tables:     host,
		Runtime:    host,
		Lookup:     host,
		ProbeImage: "curlimages/curl:latest",
		EchoURL:    "https://ifconfig.me/ip",
	}
	logger := hermes.NoopLogger{}
	metrics := hermes.NewPrometheusMetrics()
	exec := sisyphus.New(time.Millisecond, 5, logger, metrics)
	health := charon.NewChecker(probe, time.Second, logger, metrics)
	return &harness{
		host:    host,
		probe:   probe,
		metrics: metrics,
		orch:    New(opts, probe, exec, locker, health, logger, metrics),
	}
}

func TestOrchestrator_UpScenario(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	report, err := h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	assert.Equal(t, domain.HealthUp, report.Health)
	assert.Empty(t, report.Warnings)

	st, err := h.probe.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.AdminUp)
	assert.True(t, st.CarrierUp)
	assert.Equal(t, netip.MustParseAddr("10.20.0.2"), st.AssignedAddress)
	assert.Equal(t, 1420, st.MTU)

	inUse, err := h.probe.RoutingTableInUse(100)
	require.NoError(t, err)
	assert.True(t, inUse)

	fwd, err := h.host.Sysctl(kernel.SysctlIPForward)
	require.NoError(t, err)
	assert.Equal(t, "1", fwd)

	snap := h.host.Snapshot()
	assert.Equal(t, []string{
		"pref 10000 from 10.20.0.0/16 lookup 254 suppress_prefixlength 0",
		"pref 10001 from 10.20.0.0/16 lookup 100",
	}, snap.Rules)
	assert.ElementsMatch(t, []string{
		"default via 10.20.0.2 dev wg0-docker table 100 metric 10",
		"blackhole default table 100 metric 1000",
	}, snap.Routes)
	assert.ElementsMatch(t, []string{
		"nat/POSTROUTING -s 10.20.0.0/16 -o wg0-docker -j MASQUERADE",
		"filter/FORWARD -i wg0-docker -o br-wg0-net -j ACCEPT",
		"filter/FORWARD -i br-wg0-net -o wg0-docker -j ACCEPT",
	}, snap.Filter)
	assert.Equal(t, []string{"wg0-net"}, snap.Networks)

	status, err := h.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "VPN is UP. VPN IP: 198.51.100.20", status.Line())

	report, err = h.orch.Down(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDown, report.State)

	st, err = h.probe.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	inUse, err = h.probe.RoutingTableInUse(100)
	require.NoError(t, err)
	assert.False(t, inUse)

	status, err = h.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "VPN is DOWN. Host IP: 203.0.113.10", status.Line())
}

func TestOrchestrator_UpIsIdempotent(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)
	first := h.host.Snapshot()
	before := h.host.Mutations()

	report, err := h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	assert.Empty(t, report.Applied)
	assert.Equal(t, before, h.host.Mutations(), "second Up must not mutate")
	assert.Equal(t, first, h.host.Snapshot())
}

func TestOrchestrator_UpReassertsMissingFirewallRules(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)

	masq := domain.FirewallRuleSet{Subnet: opts.Network.Subnet, Device: opts.Device, Bridge: "br-wg0-net"}.Masquerade()
	require.NoError(t, h.host.DeleteIfExists(masq.Table, masq.Chain, masq.Spec...))

	report, err := h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"add-masquerade"}, report.Applied)
}

func TestOrchestrator_UpConvergesPartialState(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	host.Fail["AddAddr"] = errors.New("file exists")
	report, err := h.orch.Up(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, report.State)

	var stepErr *sisyphus.StepFailedError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "assign-address", stepErr.Step)

	// No rollback: the link stays behind.
	st, err := h.probe.InterfaceState("wg0-docker")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.False(t, st.Operational())

	delete(host.Fail, "AddAddr")
	report, err = h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	assert.Equal(t, 1, host.CountCalls("AddLink"))
}

func TestOrchestrator_CarrierNeverUp(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	host.CarrierDelay = -1
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)

	report, err := h.orch.Up(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, report.State)

	var stepErr *sisyphus.StepFailedError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "set-link-up", stepErr.Step)
	assert.ErrorIs(t, err, sisyphus.ErrNotConverged)
	assert.Contains(t, stepErr.LastObserved, "carrier_up=false")
}

func TestOrchestrator_CarrierDelayConverges(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	host.CarrierDelay = 2
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)

	report, err := h.orch.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
}

func TestOrchestrator_DownIsIdempotent(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), opts)

	report, err := h.orch.Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateDown, report.State)
	assert.Empty(t, report.Removed)
	assert.Empty(t, report.Errors)
	assert.Zero(t, h.host.Mutations())

	_, err = h.orch.Down(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.host.Mutations())
}

func TestOrchestrator_DownUndoesUp(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	// Unrelated host state that must survive.
	host.SeedRule(kernel.Rule{Priority: 32766, Table: kernel.TableMain, SuppressPrefixlen: kernel.NoSuppress})
	host.SeedRoute(kernel.Route{Table: kernel.TableMain, Gw: netip.MustParseAddr("192.168.1.1"), Device: "eth0"})
	host.SeedFilter("filter", "FORWARD", "-i", "docker0", "-j", "ACCEPT")

	before := host.Snapshot()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)
	report, err := h.orch.Down(ctx)
	require.NoError(t, err)
	assert.False(t, report.NetworkStillInUse)
	assert.Contains(t, report.Removed, "delete-link")
	assert.Contains(t, report.Removed, "remove-network")

	after := host.Snapshot()
	assert.Equal(t, before.Links, after.Links)
	assert.Equal(t, before.Rules, after.Rules)
	assert.Equal(t, before.Routes, after.Routes)
	assert.Equal(t, before.Filter, after.Filter)
	assert.Equal(t, before.Networks, after.Networks)
}

func TestOrchestrator_DownKeepsNetworkInUse(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)
	host.Attach("wg0-net", 2)

	report, err := h.orch.Down(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDown, report.State)
	assert.True(t, report.NetworkStillInUse)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], ErrNetworkStillInUse.Error())
	assert.Equal(t, []string{"wg0-net"}, host.Snapshot().Networks)
	assert.Zero(t, host.CountCalls("RemoveNetwork"))
}

func TestOrchestrator_DownContinuesPastFailures(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)

	host.Fail["DeleteRule"] = errors.New("operation not permitted")
	report, err := h.orch.Down(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.StateFailed, report.State)
	assert.Len(t, report.Errors, 2)

	snap := host.Snapshot()
	assert.Empty(t, snap.Links)
	assert.Empty(t, snap.Filter)
	assert.Len(t, snap.Rules, 2)
}

func TestOrchestrator_RoutingTableCollision(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	host.SeedRoute(kernel.Route{Table: 100, Dst: netip.MustParsePrefix("172.30.0.0/16"), Device: "eth1"})
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)

	report, err := h.orch.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], ErrRoutingTableCollision.Error())
	assert.Contains(t, report.Warnings[0], "172.30.0.0/16")
}

func TestOrchestrator_OwnTableEntriesAreNotACollision(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)

	// The device drops (carrier lost after a reboot of the peer); the table
	// still holds our blackhole route and rule.
	require.NoError(t, host.SetLinkDown("wg0-docker"))

	report, err := h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Contains(t, report.Applied, "set-link-up")
}

func TestOrchestrator_ConcurrentUpIsMutuallyExclusive(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	host.CarrierDelay = 3
	lockDir := t.TempDir()

	a := newHarness(t, host, ananke.NewFileLocker(lockDir), opts)
	b := newHarness(t, host, ananke.NewFileLocker(lockDir), opts)

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	errs := make([]error, 2)
	for i, h := range []*harness{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = h.orch.Up(context.Background())
		}()
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StateUp, reports[i].State)
	}
	assert.Equal(t, 1, host.CountCalls("AddLink"))
	assert.Equal(t, 1, host.CountCalls("CreateNetwork"))
	applied := len(reports[0].Applied) + len(reports[1].Applied)
	assert.True(t, len(reports[0].Applied) == 0 || len(reports[1].Applied) == 0, "one invocation must no-op")
	assert.Positive(t, applied)
}

func TestOrchestrator_LockTimeout(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	opts.LockTimeout = 100 * time.Millisecond
	locker := ananke.NewFileLocker(t.TempDir())
	h := newHarness(t, hostsim.NewMockHost(), locker, opts)

	release, err := locker.Acquire(context.Background(), opts.Identity(), time.Second)
	require.NoError(t, err)
	defer release()

	report, err := h.orch.Up(context.Background())
	assert.ErrorIs(t, err, ananke.ErrLockTimeout)
	assert.Equal(t, domain.StateFailed, report.State)
	assert.Zero(t, h.host.Mutations())
}

func TestOrchestrator_ConfigErrorsAreFatalBeforeMutation(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want error
	}{
		{
			name: "missing file",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.conf") },
			want: oath.ErrConfigNotFound,
		},
		{
			name: "no address",
			path: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "wg0.conf")
				require.NoError(t, os.WriteFile(p, []byte("[Interface]\nListenPort = 51820\n"), 0o600))
				return p
			},
			want: oath.ErrConfigMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), wgOptions(tt.path(t)))

			_, err := h.orch.Up(context.Background())
			assert.ErrorIs(t, err, tt.want)
			_, err = h.orch.Down(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, h.host.Mutations())
		})
	}
}

func TestOrchestrator_NegativeHealthKeepsUp(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	host.TunnelAddr = host.HostAddr
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)

	report, err := h.orch.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	assert.Equal(t, domain.HealthDown, report.Health)
	assert.Equal(t, "VPN is DOWN. Host IP: 203.0.113.10", report.Line())
}

func TestOrchestrator_StatusTakesNoLock(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	opts.LockTimeout = 50 * time.Millisecond
	locker := ananke.NewFileLocker(t.TempDir())
	h := newHarness(t, hostsim.NewMockHost(), locker, opts)

	release, err := locker.Acquire(context.Background(), opts.Identity(), time.Second)
	require.NoError(t, err)
	defer release()

	report, err := h.orch.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateDown, report.State)
	assert.Equal(t, "VPN is DOWN. Host IP: 203.0.113.10", report.Line())
	assert.Zero(t, h.host.Mutations())
}

func TestOrchestrator_JournalsTransitions(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	h := newHarness(t, hostsim.NewMockHost(), ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "journal.jsonl")
	store, err := audit.NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()
	chain := audit.NewChainManager([]byte("k"))
	h.orch.WithJournal(audit.NewStandardAuditor(audit.NewTamperEvidentStore(store, chain)))

	_, err = h.orch.Up(ctx)
	require.NoError(t, err)
	_, err = h.orch.Status(ctx)
	require.NoError(t, err)
	_, err = h.orch.Down(ctx)
	require.NoError(t, err)

	events, err := audit.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.ActionUp, events[0].Action)
	assert.Equal(t, domain.StateUp, events[0].State)
	assert.Equal(t, domain.HealthUp, events[0].Health)
	assert.Contains(t, events[0].Applied, "create-link")
	assert.Equal(t, audit.ActionDown, events[1].Action)
	assert.Equal(t, domain.StateDown, events[1].State)
	assert.Contains(t, events[1].Removed, "delete-link")
	assert.Equal(t, opts.Identity(), events[1].Identity)
	assert.NoError(t, chain.VerifyChain(events))
}

func TestOrchestrator_EstablishedTunnelReportsMissingPolicy(t *testing.T) {
	opts := wgOptions(writeTunnelConfig(t, "10.20.0.2/24"))
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)

	policy := domain.RoutingPolicy{
		Table:        100,
		Source:       opts.Network.Subnet,
		Via:          netip.MustParseAddr("10.20.0.2"),
		RulePriority: 10000,
	}
	require.NoError(t, host.DeleteRoute(DefaultRoute(policy, opts.Device)))
	before := host.Mutations()

	report, err := h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUp, report.State)
	assert.Equal(t, before, host.Mutations())
	assert.Empty(t, report.Applied)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], ErrPolicyIncomplete.Error())
	assert.Contains(t, report.Warnings[0], "add-default-route")

	// A down/up cycle restores the route.
	_, err = h.orch.Down(ctx)
	require.NoError(t, err)
	report, err = h.orch.Up(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Contains(t, host.Snapshot().Routes, "default via 10.20.0.2 dev wg0-docker table 100 metric 10")
}

func TestOrchestrator_DownIgnoresUnresolvablePeer(t *testing.T) {
	path := writeTunnelConfig(t, "10.20.0.2/24")
	opts := wgOptions(path)
	host := hostsim.NewMockHost()
	h := newHarness(t, host, ananke.NewFileLocker(t.TempDir()), opts)
	ctx := context.Background()

	_, err := h.orch.Up(ctx)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = []byte(strings.Replace(string(raw), "192.0.2.1:51820", "vpn.example.invalid:51820", 1))
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	report, err := h.orch.Down(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDown, report.State)
	assert.Contains(t, report.Removed, "delete-link")
	assert.Contains(t, report.Removed, "delete-default-route")
	snap := host.Snapshot()
	assert.Empty(t, snap.Links)
	assert.Empty(t, snap.Rules)
	assert.Empty(t, snap.Routes)
}
