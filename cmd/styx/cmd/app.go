package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/styx/pkg/ananke"
	"github.com/tartarus-sandbox/styx/pkg/argus"
	"github.com/tartarus-sandbox/styx/pkg/charon"
	"github.com/tartarus-sandbox/styx/pkg/config"
	"github.com/tartarus-sandbox/styx/pkg/firewall"
	"github.com/tartarus-sandbox/styx/pkg/hermes"
	"github.com/tartarus-sandbox/styx/pkg/hermes/audit"
	"github.com/tartarus-sandbox/styx/pkg/kampe"
	"github.com/tartarus-sandbox/styx/pkg/kernel"
	"github.com/tartarus-sandbox/styx/pkg/sisyphus"
	"github.com/tartarus-sandbox/styx/pkg/styx"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// newGateway is replaced in tests.
var newGateway = buildGateway

// buildGateway wires the host seams into an orchestrator. The returned func
// closes every handle that was opened.
func buildGateway(cfg *config.Config, logger hermes.Logger, metrics hermes.Metrics) (styx.Gateway, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	engine, err := kernel.NewEngine()
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, engine.Close)

	tables, err := firewall.New()
	if err != nil {
		return nil, cleanup, err
	}

	docker, err := kampe.NewDockerAdapter(cfg.DockerSocket)
	if err != nil {
		return nil, cleanup, err
	}
	closers = append(closers, docker.Close)

	var locker ananke.Locker
	switch cfg.LockBackend {
	case "redis":
		rl, err := ananke.NewRedisLocker(cfg.RedisAddr, 0, "")
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, rl.Close)
		locker = rl
	default:
		locker = ananke.NewFileLocker(cfg.LockDir)
	}

	probe := &argus.Probe{
		Kernel:     kernel.NewNetlink(),
		Engine:     engine,
		Tables:     tables,
		Runtime:    docker,
		Lookup:     argus.NewHTTPLookup(cfg.EchoURL),
		ProbeImage: cfg.ProbeImage,
		EchoURL:    cfg.EchoURL,
	}
	opts := styx.Options{
		Network:      cfg.NetworkDescriptor(),
		Device:       cfg.Device,
		ConfigPath:   cfg.ConfigPath,
		Table:        cfg.RoutingTable,
		RulePriority: cfg.RulePriority,
		LockTimeout:  cfg.LockTimeout,
	}
	exec := sisyphus.New(cfg.PollInterval, cfg.MaxAttempts, logger, metrics)
	health := charon.NewChecker(probe, cfg.ProbeTimeout, logger, metrics)

	orch := styx.New(opts, probe, exec, locker, health, logger, metrics)
	if cfg.Journal != "" {
		store, err := audit.NewFileStore(cfg.Journal)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, store.Close)
		chain := audit.NewChainManager([]byte(cfg.JournalKey))
		orch.WithJournal(audit.NewStandardAuditor(audit.NewTamperEvidentStore(store, chain)))
	}
	return orch, cleanup, nil
}

// newLogger writes to stderr so stdout carries only the status contract.
func newLogger(level string) *hermes.SlogAdapter {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return hermes.NewTextSlogAdapter(os.Stderr, level)
	}
	return hermes.NewSlogAdapter(os.Stderr, level)
}

type operation func(ctx context.Context, gw styx.Gateway) (*styx.Report, error)

func run(cmd *cobra.Command, op operation) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel).With(map[string]any{"command": cmd.Name()})
	metrics := hermes.NewPrometheusMetrics()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, cleanup, err := newGateway(cfg, logger, metrics)
	defer cleanup()
	if err != nil {
		return err
	}

	report, opErr := op(ctx, gw)

	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn(ctx, "Failed to export metrics", map[string]any{"error": err.Error()})
		}
	}
	if report != nil {
		if err := render(cmd.OutOrStdout(), cfg.Output, report); err != nil {
			return err
		}
	}
	return opErr
}

func render(w io.Writer, format string, report *styx.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(report)
	default:
		if report.Health == "" {
			return nil
		}
		_, err := fmt.Fprintln(w, report.Line())
		return err
	}
}
