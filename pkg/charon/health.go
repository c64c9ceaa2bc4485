// Package charon decides whether traffic from the container network actually
// crosses through the tunnel, by comparing the public address seen from the
// host with the one seen from inside the network.
package charon

import (
	"context"
	"net/netip"
	"time"

	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/hermes"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds each address lookup.
const DefaultTimeout = 5 * time.Second

// AddressSource resolves the apparent public address from the host when via
// is empty, or from inside the named network. Absence is the zero address.
type AddressSource interface {
	ExternalAddress(ctx context.Context, via string, timeout time.Duration) (netip.Addr, error)
}

// Result is one health observation.
type Result struct {
	Health      domain.Health `json:"health"`
	HostAddr    netip.Addr    `json:"host_address,omitzero"`
	NetworkAddr netip.Addr    `json:"vpn_address,omitzero"`
}

func addrOrUnknown(a netip.Addr) string {
	if !a.IsValid() {
		return "unknown"
	}
	return a.String()
}

type Checker struct {
	Source  AddressSource
	Timeout time.Duration
	Logger  hermes.Logger
	Metrics hermes.Metrics
}

func NewChecker(source AddressSource, timeout time.Duration, logger hermes.Logger, metrics hermes.Metrics) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{Source: source, Timeout: timeout, Logger: logger, Metrics: metrics}
}

// Check is healthy only when the network-side address is present and
// differs from the host's. A lookup that fails counts as absent.
func (c *Checker) Check(ctx context.Context, desc domain.NetworkDescriptor) (Result, error) {
	var res Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.HostAddr = c.lookup(gctx, "", desc.Name)
		return nil
	})
	g.Go(func() error {
		res.NetworkAddr = c.lookup(gctx, desc.Name, desc.Name)
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Health = domain.HealthDown
	if res.NetworkAddr.IsValid() && res.NetworkAddr != res.HostAddr {
		res.Health = domain.HealthUp
	}

	gauge := 0.0
	if res.Health == domain.HealthUp {
		gauge = 1
	}
	c.Metrics.SetGauge("styx_tunnel_health", gauge, hermes.Label{Key: "network", Value: desc.Name})
	c.Logger.Info(ctx, "Health observed", map[string]any{
		"network":      desc.Name,
		"health":       string(res.Health),
		"host_address": addrOrUnknown(res.HostAddr),
		"vpn_address":  addrOrUnknown(res.NetworkAddr),
	})
	return res, nil
}

func (c *Checker) lookup(ctx context.Context, via, network string) netip.Addr {
	addr, err := c.Source.ExternalAddress(ctx, via, c.Timeout)
	if err != nil {
		side := "host"
		if via != "" {
			side = "network"
		}
		c.Logger.Warn(ctx, "Address lookup failed", map[string]any{"network": network, "side": side, "error": err.Error()})
		return netip.Addr{}
	}
	return addr
}
