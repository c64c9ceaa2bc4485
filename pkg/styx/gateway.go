// Package styx carries a container network's egress across the tunnel: it
// brings host networking state up or down in a fixed order, one verified
// step at a time, under a named lock.
package styx

import (
	"context"
	"errors"

	"github.com/tartarus-sandbox/styx/pkg/charon"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

var (
	// ErrRoutingTableCollision is a warning: the private table already
	// carried entries this identity did not install.
	ErrRoutingTableCollision = errors.New("routing table already in use")

	// ErrNetworkStillInUse is a soft condition of Down: containers are still
	// attached so the network was left in place.
	ErrNetworkStillInUse = errors.New("network still in use")

	// ErrPolicyIncomplete is a warning of Up on an established tunnel whose
	// policy routing entries are not all present.
	ErrPolicyIncomplete = errors.New("policy routing incomplete")
)

// Report is the outcome of one invocation.
type Report struct {
	Identity          domain.Identity `json:"identity" yaml:"identity"`
	State             domain.State    `json:"state" yaml:"state"`
	Health            domain.Health   `json:"health,omitempty" yaml:"health,omitempty"`
	HostAddress       string          `json:"host_address,omitempty" yaml:"host_address,omitempty"`
	VPNAddress        string          `json:"vpn_address,omitempty" yaml:"vpn_address,omitempty"`
	Warnings          []string        `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Applied           []string        `json:"applied,omitempty" yaml:"applied,omitempty"`
	Removed           []string        `json:"removed,omitempty" yaml:"removed,omitempty"`
	NetworkStillInUse bool            `json:"network_still_in_use,omitempty" yaml:"network_still_in_use,omitempty"`
	Errors            []string        `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Line is the status contract line.
func (r *Report) Line() string {
	if r.Health == domain.HealthUp {
		return "VPN is UP. VPN IP: " + orUnknown(r.VPNAddress)
	}
	return "VPN is DOWN. Host IP: " + orUnknown(r.HostAddress)
}

func orUnknown(addr string) string {
	if addr == "" {
		return "unknown"
	}
	return addr
}

func (r *Report) setHealth(res charon.Result) {
	r.Health = res.Health
	if res.HostAddr.IsValid() {
		r.HostAddress = res.HostAddr.String()
	}
	if res.NetworkAddr.IsValid() {
		r.VPNAddress = res.NetworkAddr.String()
	}
}

// Gateway is Styx: binds one container network to the tunnel device.
type Gateway interface {
	Up(ctx context.Context) (*Report, error)
	Down(ctx context.Context) (*Report, error)
	Status(ctx context.Context) (*Report, error)
}

var _ Gateway = (*Orchestrator)(nil)
