package styx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/ananke"
	"github.com/tartarus-sandbox/styx/pkg/argus"
	"github.com/tartarus-sandbox/styx/pkg/charon"
	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/firewall"
	"github.com/tartarus-sandbox/styx/pkg/hermes"
	"github.com/tartarus-sandbox/styx/pkg/hermes/audit"
	"github.com/tartarus-sandbox/styx/pkg/kampe"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"github.com/tartarus-sandbox/styx/pkg/oath"
	"github.com/tartarus-sandbox/styx/pkg/sisyphus"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Options describe one network/device binding.
type Options struct {
	Network      domain.NetworkDescriptor
	Device       string
	ConfigPath   string
	Table        int
	RulePriority int
	LockTimeout  time.Duration
}

func (o Options) Identity() domain.Identity {
	return domain.Identity{Network: o.Network.Name, Device: o.Device}
}

type Orchestrator struct {
	opts    Options
	probe   *argus.Probe
	exec    *sisyphus.Executor
	locker  ananke.Locker
	health  *charon.Checker
	logger  hermes.Logger
	metrics hermes.Metrics
	journal audit.Auditor
}

func New(opts Options, probe *argus.Probe, exec *sisyphus.Executor, locker ananke.Locker, health *charon.Checker, logger hermes.Logger, metrics hermes.Metrics) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		probe:   probe,
		exec:    exec,
		locker:  locker,
		health:  health,
		logger:  logger,
		metrics: metrics,
		journal: audit.NopAuditor{},
	}
}

// WithJournal records every up and down transition to j. The event is
// written before the lock is released.
func (o *Orchestrator) WithJournal(j audit.Auditor) *Orchestrator {
	if j != nil {
		o.journal = j
	}
	return o
}

// resolved is the per-invocation configuration derived from the config file.
// engine is only populated for Up.
type resolved struct {
	tunnel *domain.TunnelConfig
	engine wgtypes.Config
	policy domain.RoutingPolicy
}

// resolve reads the local address and derives the routing policy. It does
// not touch the peer material, so Down works when peer endpoints no longer
// resolve.
func (o *Orchestrator) resolve() (*resolved, error) {
	tc, err := oath.Resolve(o.opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	policy := domain.RoutingPolicy{
		Table:        o.opts.Table,
		Source:       o.opts.Network.Subnet,
		Via:          tc.LocalAddress,
		RulePriority: o.opts.RulePriority,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &resolved{tunnel: tc, policy: policy}, nil
}

// resolveEngine is resolve plus the peer/key material handed to the engine.
func (o *Orchestrator) resolveEngine() (*resolved, error) {
	cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}
	cfg.engine, err = oath.ParseEngineConfig(cfg.tunnel.EngineConfig)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.opts.ConfigPath, err)
	}
	return cfg, nil
}

func (o *Orchestrator) fields(extra map[string]any) map[string]any {
	f := map[string]any{"identity": o.opts.Identity().String()}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func (o *Orchestrator) lock(ctx context.Context) (ananke.Release, error) {
	start := time.Now()
	release, err := o.locker.Acquire(ctx, o.opts.Identity(), o.opts.LockTimeout)
	o.metrics.ObserveHistogram("styx_lock_wait_seconds", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return release, nil
}

func (o *Orchestrator) record(ctx context.Context, report *Report, action audit.Action, start time.Time) {
	event := &audit.Event{
		Action:   action,
		Identity: report.Identity,
		State:    report.State,
		Health:   report.Health,
		Applied:  report.Applied,
		Removed:  report.Removed,
		Warnings: report.Warnings,
		Errors:   report.Errors,
		Latency:  time.Since(start),
	}
	if err := o.journal.Record(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Warn(ctx, "Failed to journal transition", o.fields(map[string]any{"error": err.Error()}))
	}
}

func (o *Orchestrator) finish(report *Report, direction string) {
	o.metrics.IncCounter("styx_transitions_total", 1,
		hermes.Label{Key: "direction", Value: direction},
		hermes.Label{Key: "state", Value: string(report.State)},
	)
	for _, s := range []domain.State{domain.StateDown, domain.StateUp, domain.StateFailed} {
		v := 0.0
		if report.State == s {
			v = 1
		}
		o.metrics.SetGauge("styx_tunnel_state", v,
			hermes.Label{Key: "network", Value: o.opts.Network.Name},
			hermes.Label{Key: "state", Value: string(s)},
		)
	}
}

// Up brings the binding up. Steps whose post-state already holds are skipped,
// so a repeated Up on a converged host issues no mutating calls. A failed
// step aborts with the host left partially applied; the next Up converges it.
func (o *Orchestrator) Up(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Identity: o.opts.Identity(), State: domain.StateTransitioning}

	cfg, err := o.resolveEngine()
	if err != nil {
		report.State = domain.StateFailed
		report.Errors = append(report.Errors, err.Error())
		o.logger.Error(ctx, "Failed to resolve tunnel config", o.fields(map[string]any{"error": err.Error()}))
		return report, err
	}

	release, err := o.lock(ctx)
	if err != nil {
		report.State = domain.StateFailed
		report.Errors = append(report.Errors, err.Error())
		o.logger.Error(ctx, "Failed to acquire lock", o.fields(map[string]any{"error": err.Error()}))
		return report, err
	}
	defer release()
	defer o.finish(report, "up")
	defer o.record(ctx, report, audit.ActionUp, start)

	o.logger.Info(ctx, "Bringing tunnel up", o.fields(map[string]any{
		"subnet": o.opts.Network.Subnet.String(),
		"table":  o.opts.Table,
		"local":  cfg.tunnel.Prefix().String(),
	}))

	if err := o.up(ctx, cfg, report); err != nil {
		report.State = domain.StateFailed
		report.Errors = append(report.Errors, err.Error())
		return report, err
	}
	report.State = domain.StateUp

	res, err := o.health.Check(ctx, o.opts.Network)
	if err != nil {
		return report, err
	}
	report.setHealth(res)
	if res.Health != domain.HealthUp {
		o.logger.Warn(ctx, "Tunnel is up but egress is not observed through it", o.fields(map[string]any{
			"host_address": report.HostAddress,
		}))
	}
	return report, nil
}

func (o *Orchestrator) up(ctx context.Context, cfg *resolved, report *Report) error {
	p := o.probe
	nw := o.opts.Network
	dev := o.opts.Device

	if err := o.ensure(ctx, report, sisyphus.Step{
		Name:   "create-network",
		Action: func(ctx context.Context) error { return p.Runtime.CreateNetwork(ctx, nw, o.opts.Identity()) },
		Verify: p.NetworkPresent(nw.Name, true),
	}); err != nil {
		return err
	}

	bridge, err := o.bridge(ctx)
	if err != nil {
		return err
	}
	ruleset := domain.FirewallRuleSet{Subnet: nw.Subnet, Device: dev, Bridge: bridge}

	st, err := p.InterfaceState(dev)
	if err != nil {
		return fmt.Errorf("failed to read %s state: %w", dev, err)
	}
	// An operational device means the tunnel is established. Only the filter
	// rules are re-asserted; missing policy routing is reported, not repaired.
	if st.Operational() {
		o.logger.Info(ctx, "Tunnel device already operational", o.fields(map[string]any{"state": st.String()}))
		o.checkPolicy(ctx, cfg.policy, report)
		return o.ensureFirewall(ctx, report, ruleset)
	}

	o.checkCollision(ctx, cfg.policy, report)

	steps := []sisyphus.Step{
		{
			Name:   "create-link",
			Action: func(context.Context) error { return p.Kernel.AddLink(dev, kernel.LinkKindTunnel) },
			Verify: p.LinkExists(dev, true),
		},
		{
			Name:   "load-engine-config",
			Action: func(context.Context) error { return p.Engine.ConfigureDevice(dev, cfg.engine) },
			Verify: p.EngineLoaded(dev, cfg.engine),
		},
		{
			Name:   "assign-address",
			Action: func(context.Context) error { return p.Kernel.AddAddr(dev, cfg.tunnel.Prefix()) },
			Verify: p.AddressAssigned(dev, cfg.tunnel.Prefix()),
		},
		{
			Name:   "enable-forwarding",
			Action: func(context.Context) error { return p.Kernel.SetSysctl(kernel.SysctlIPForward, "1") },
			Verify: p.ForwardingEnabled(),
		},
		{
			Name:   "set-mtu",
			Action: func(context.Context) error { return p.Kernel.SetLinkMTU(dev, nw.MTU) },
			Verify: p.MTUIs(dev, nw.MTU),
		},
		{
			Name:   "set-link-up",
			Action: func(context.Context) error { return p.Kernel.SetLinkUp(dev) },
			Verify: p.LinkOperational(dev),
		},
	}
	steps = append(steps, o.policySteps(cfg.policy)...)

	for _, step := range steps {
		if err := o.ensure(ctx, report, step); err != nil {
			return err
		}
	}
	return o.ensureFirewall(ctx, report, ruleset)
}

func (o *Orchestrator) policySteps(policy domain.RoutingPolicy) []sisyphus.Step {
	p := o.probe
	tableRule := TableRule(policy)
	defRoute := DefaultRoute(policy, o.opts.Device)
	blackhole := BlackholeRoute(policy)
	suppress := SuppressRule(policy)

	return []sisyphus.Step{
		{
			Name:   "add-table-rule",
			Action: func(context.Context) error { return p.Kernel.AddRule(tableRule) },
			Verify: p.RulePresent(tableRule, true),
		},
		{
			Name:   "add-default-route",
			Action: func(context.Context) error { return p.Kernel.AddRoute(defRoute) },
			Verify: p.RoutePresent(defRoute, true),
		},
		{
			Name:   "add-blackhole-route",
			Action: func(context.Context) error { return p.Kernel.AddRoute(blackhole) },
			Verify: p.RoutePresent(blackhole, true),
		},
		{
			Name:   "add-suppress-rule",
			Action: func(context.Context) error { return p.Kernel.AddRule(suppress) },
			Verify: p.RulePresent(suppress, true),
		},
	}
}

// checkPolicy warns about policy routing entries missing on an established
// tunnel. Repairing them needs a down/up cycle.
func (o *Orchestrator) checkPolicy(ctx context.Context, policy domain.RoutingPolicy, report *Report) {
	var missing []string
	for _, step := range o.policySteps(policy) {
		ok, observed, err := step.Verify(ctx)
		if err != nil {
			o.logger.Warn(ctx, "Failed to inspect policy routing", o.fields(map[string]any{"step": step.Name, "error": err.Error()}))
			return
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("%s (%s)", step.Name, observed))
		}
	}
	if len(missing) == 0 {
		return
	}
	warning := fmt.Errorf("%w: %s", ErrPolicyIncomplete, strings.Join(missing, "; "))
	report.Warnings = append(report.Warnings, warning.Error())
	o.logger.Warn(ctx, "Policy routing incomplete on established tunnel", o.fields(map[string]any{"missing": missing}))
}

func (o *Orchestrator) ensureFirewall(ctx context.Context, report *Report, ruleset domain.FirewallRuleSet) error {
	p := o.probe
	names := []string{"add-masquerade", "add-forward-in", "add-forward-out"}
	for i, rule := range ruleset.Rules() {
		if err := o.ensure(ctx, report, sisyphus.Step{
			Name:   names[i],
			Action: func(context.Context) error { return firewall.Ensure(p.Tables, rule) },
			Verify: p.FirewallRulePresent(rule, true),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) ensure(ctx context.Context, report *Report, step sisyphus.Step) error {
	ran, err := o.exec.Ensure(ctx, step)
	if err != nil {
		return err
	}
	if ran {
		report.Applied = append(report.Applied, step.Name)
	}
	return nil
}

// checkCollision warns when the private table carries entries this identity
// would not have installed.
func (o *Orchestrator) checkCollision(ctx context.Context, policy domain.RoutingPolicy, report *Report) {
	inUse, err := o.probe.RoutingTableInUse(policy.Table)
	if err != nil {
		o.logger.Warn(ctx, "Failed to inspect routing table", o.fields(map[string]any{"table": policy.Table, "error": err.Error()}))
		return
	}
	if !inUse {
		return
	}
	rules, routes := ownTableEntries(policy, o.opts.Device)
	foreign, err := o.probe.ForeignTableEntries(policy.Table, rules, routes)
	if err != nil {
		o.logger.Warn(ctx, "Failed to inspect routing table", o.fields(map[string]any{"table": policy.Table, "error": err.Error()}))
		return
	}
	if len(foreign) == 0 {
		return
	}
	warning := fmt.Errorf("%w: table %d: %s", ErrRoutingTableCollision, policy.Table, strings.Join(foreign, "; "))
	report.Warnings = append(report.Warnings, warning.Error())
	o.logger.Warn(ctx, "Routing table collision", o.fields(map[string]any{"table": policy.Table, "foreign": foreign}))
}

// bridge returns the bridge device backing the network, falling back to the
// configured name when the network is absent.
func (o *Orchestrator) bridge(ctx context.Context) (string, error) {
	name, ok, err := o.probe.NetworkBridge(ctx, o.opts.Network.Name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect network %s: %w", o.opts.Network.Name, err)
	}
	if !ok || name == "" {
		return o.opts.Network.Bridge, nil
	}
	return name, nil
}

// Down tears the binding down. Every removal is guarded by a presence check
// and a failed removal never stops the ones after it. The errors are joined
// and returned once all removals have been attempted.
func (o *Orchestrator) Down(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Identity: o.opts.Identity(), State: domain.StateTransitioning}

	cfg, err := o.resolve()
	if err != nil {
		report.State = domain.StateFailed
		report.Errors = append(report.Errors, err.Error())
		o.logger.Error(ctx, "Failed to resolve tunnel config", o.fields(map[string]any{"error": err.Error()}))
		return report, err
	}

	release, err := o.lock(ctx)
	if err != nil {
		report.State = domain.StateFailed
		report.Errors = append(report.Errors, err.Error())
		o.logger.Error(ctx, "Failed to acquire lock", o.fields(map[string]any{"error": err.Error()}))
		return report, err
	}
	defer release()
	defer o.finish(report, "down")
	defer o.record(ctx, report, audit.ActionDown, start)

	o.logger.Info(ctx, "Bringing tunnel down", o.fields(nil))

	p := o.probe
	dev := o.opts.Device
	nw := o.opts.Network

	bridge, err := o.bridge(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		bridge = nw.Bridge
	}
	ruleset := domain.FirewallRuleSet{Subnet: nw.Subnet, Device: dev, Bridge: bridge}
	tableRule := TableRule(cfg.policy)
	defRoute := DefaultRoute(cfg.policy, dev)
	blackhole := BlackholeRoute(cfg.policy)
	suppress := SuppressRule(cfg.policy)

	steps := []sisyphus.Step{
		{
			Name:   "set-link-down",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.SetLinkDown(dev)) },
			Verify: p.LinkAdminUp(dev, false),
		},
		{
			Name:   "delete-link",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.DeleteLink(dev)) },
			Verify: p.LinkExists(dev, false),
		},
		{
			Name:   "delete-table-rule",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.DeleteRule(tableRule)) },
			Verify: p.RulePresent(tableRule, false),
		},
		{
			Name:   "delete-default-route",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.DeleteRoute(defRoute)) },
			Verify: p.RoutePresent(defRoute, false),
		},
		{
			Name:   "delete-blackhole-route",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.DeleteRoute(blackhole)) },
			Verify: p.RoutePresent(blackhole, false),
		},
		{
			Name:   "delete-suppress-rule",
			Action: func(context.Context) error { return ignoreAbsent(p.Kernel.DeleteRule(suppress)) },
			Verify: p.RulePresent(suppress, false),
		},
	}
	names := []string{"delete-masquerade", "delete-forward-in", "delete-forward-out"}
	for i, rule := range ruleset.Rules() {
		steps = append(steps, sisyphus.Step{
			Name:   names[i],
			Action: func(context.Context) error { return firewall.Remove(p.Tables, rule) },
			Verify: p.FirewallRulePresent(rule, false),
		})
	}

	var errs []error
	for _, step := range steps {
		ran, err := o.exec.Ensure(ctx, step)
		if err != nil {
			errs = append(errs, err)
			report.Errors = append(report.Errors, err.Error())
			o.metrics.IncCounter("styx_removal_failures_total", 1, hermes.Label{Key: "step", Value: step.Name})
			o.logger.Warn(ctx, "Removal failed, continuing", o.fields(map[string]any{"step": step.Name, "error": err.Error()}))
			continue
		}
		if ran {
			report.Removed = append(report.Removed, step.Name)
		}
	}

	if err := o.removeNetwork(ctx, report); err != nil {
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
		o.metrics.IncCounter("styx_removal_failures_total", 1, hermes.Label{Key: "step", Value: "remove-network"})
	}

	if err := errors.Join(errs...); err != nil {
		report.State = domain.StateFailed
		return report, err
	}
	report.State = domain.StateDown
	return report, nil
}

func (o *Orchestrator) removeNetwork(ctx context.Context, report *Report) error {
	p := o.probe
	name := o.opts.Network.Name

	exists, err := p.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	if !exists {
		return nil
	}
	active, err := p.NetworkActiveConnections(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to inspect network %s: %w", name, err)
	}
	if active > 0 {
		report.NetworkStillInUse = true
		report.Warnings = append(report.Warnings, fmt.Errorf("%w: %s has %d active endpoints", ErrNetworkStillInUse, name, active).Error())
		o.logger.Info(ctx, "Leaving network in place", o.fields(map[string]any{"network": name, "active_endpoints": active}))
		return nil
	}

	ran, err := o.exec.Ensure(ctx, sisyphus.Step{
		Name: "remove-network",
		Action: func(ctx context.Context) error {
			err := p.Runtime.RemoveNetwork(ctx, name)
			if errors.Is(err, kampe.ErrNetworkNotFound) {
				return nil
			}
			return err
		},
		Verify: p.NetworkPresent(name, false),
	})
	if err != nil {
		return err
	}
	if ran {
		report.Removed = append(report.Removed, "remove-network")
	}
	return nil
}

// Status observes health only. It takes no lock and changes nothing.
func (o *Orchestrator) Status(ctx context.Context) (*Report, error) {
	report := &Report{Identity: o.opts.Identity(), State: domain.StateDown}

	st, err := o.probe.InterfaceState(o.opts.Device)
	if err != nil {
		return report, fmt.Errorf("failed to read %s state: %w", o.opts.Device, err)
	}
	if st.Operational() {
		report.State = domain.StateUp
	}

	res, err := o.health.Check(ctx, o.opts.Network)
	if err != nil {
		return report, err
	}
	report.setHealth(res)
	return report, nil
}

func ignoreAbsent(err error) error {
	if errors.Is(err, kernel.ErrNotFound) {
		return nil
	}
	return err
}
