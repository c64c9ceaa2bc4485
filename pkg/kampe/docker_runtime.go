package kampe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/tartarus-sandbox/styx/pkg/domain"
)

const (
	optBridgeName = "com.docker.network.bridge.name"
	optMTU        = "com.docker.network.driver.mtu"

	labelIdentity = "styx.identity"
	labelProbe    = "styx.probe"
)

// DockerAdapter manages the container network bound to the tunnel and runs
// short-lived probe containers on it.
type DockerAdapter struct {
	client     *client.Client
	socketPath string
}

var _ Runtime = (*DockerAdapter)(nil)

// NewDockerAdapter creates a new Docker adapter connected to the specified socket
func NewDockerAdapter(socketPath string) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	return &DockerAdapter{
		client:     cli,
		socketPath: socketPath,
	}, nil
}

func (d *DockerAdapter) Close() error {
	return d.client.Close()
}

// Network inspects the named network.
func (d *DockerAdapter) Network(ctx context.Context, name string) (*Network, error) {
	info, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
		}
		return nil, fmt.Errorf("failed to inspect network %s: %w", name, err)
	}

	n := &Network{
		ID:              info.ID,
		Name:            info.Name,
		Bridge:          info.Options[optBridgeName],
		ActiveEndpoints: len(info.Containers),
	}
	if n.Bridge == "" && len(info.ID) >= 12 {
		// Docker's default name for a bridge it named itself.
		n.Bridge = "br-" + info.ID[:12]
	}
	if mtu, err := strconv.Atoi(info.Options[optMTU]); err == nil {
		n.MTU = mtu
	}
	for _, c := range info.IPAM.Config {
		if p, err := netip.ParsePrefix(c.Subnet); err == nil {
			n.Subnets = append(n.Subnets, p)
		}
	}
	return n, nil
}

// CreateNetwork creates a bridge network with the descriptor's subnet, mtu
// and bridge device name.
func (d *DockerAdapter) CreateNetwork(ctx context.Context, desc domain.NetworkDescriptor, identity domain.Identity) error {
	opts := network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: desc.Subnet.String()}},
		},
		Options: map[string]string{
			optMTU: strconv.Itoa(desc.MTU),
		},
		Labels: map[string]string{
			labelIdentity: identity.String(),
		},
	}
	if desc.Bridge != "" {
		opts.Options[optBridgeName] = desc.Bridge
	}

	if _, err := d.client.NetworkCreate(ctx, desc.Name, opts); err != nil {
		return fmt.Errorf("failed to create network %s: %w", desc.Name, err)
	}
	return nil
}

// RemoveNetwork removes the named network; an absent network is reported as
// ErrNetworkNotFound.
func (d *DockerAdapter) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.client.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
		}
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// RunProbe runs cmd in a throwaway container attached to the network and
// returns its trimmed stdout. The container is removed on every path.
func (d *DockerAdapter) RunProbe(ctx context.Context, networkName, imageName string, cmd []string) (string, error) {
	if err := d.ensureImage(ctx, imageName); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	resp, err := d.client.ContainerCreate(ctx,
		&container.Config{
			Image:  imageName,
			Cmd:    cmd,
			Labels: map[string]string{labelProbe: networkName},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(networkName),
			AutoRemove:  false,
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create probe container: %w", err)
	}
	defer func() {
		// The caller's context may already be done; cleanup gets its own.
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rctx, resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start probe container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to wait for probe container: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	stdout, stderr, err := d.logs(ctx, resp.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", fmt.Errorf("probe exited with code %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (d *DockerAdapter) logs(ctx context.Context, id string) (string, string, error) {
	reader, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to get probe logs: %w", err)
	}
	defer reader.Close()

	// Non-TTY containers multiplex both streams behind 8 byte headers.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("failed to read probe logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (d *DockerAdapter) ensureImage(ctx context.Context, imageName string) error {
	_, err := d.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	// Image not found, pull it
	reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain output to wait for pull to completion
	_, err = io.Copy(io.Discard, reader)
	return err
}
