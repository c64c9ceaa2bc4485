// Package kampe wraps the container runtime's network management: the
// network bound to the tunnel, and throwaway probe workloads attached to it.
package kampe

import (
	"context"
	"errors"
	"net/netip"

	"github.com/tartarus-sandbox/styx/pkg/domain"
)

var ErrNetworkNotFound = errors.New("container network not found")

// Network is the runtime's view of one network.
type Network struct {
	ID              string
	Name            string
	Subnets         []netip.Prefix
	Bridge          string
	MTU             int
	ActiveEndpoints int
}

// Runtime is the container runtime surface used by the orchestrator.
type Runtime interface {
	Network(ctx context.Context, name string) (*Network, error)
	CreateNetwork(ctx context.Context, desc domain.NetworkDescriptor, identity domain.Identity) error
	RemoveNetwork(ctx context.Context, name string) error
	RunProbe(ctx context.Context, networkName, image string, cmd []string) (string, error)
}

// BridgeName derives the bridge device name for a network, staying within
// the kernel's 15 byte interface name limit.
func BridgeName(network string) string {
	name := "br-" + network
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}
