// Package docker abstracts the container runtime behind the operations Bay
// needs: create+start with resource caps, stop+remove, logs, status.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"bay/internal/logging"
	"bay/internal/models"
)

// shipWorkerPort is the TCP port every ship worker listens on.
const shipWorkerPort = "8123/tcp"

const cpuPeriod = 100000

// CreateResult reports the runtime handles of a freshly started container.
type CreateResult struct {
	ContainerID   string
	IPAddress     string
	RuntimeStatus string
}

// Driver is a Docker SDK-backed container driver.
type Driver struct {
	cli     *client.Client
	image   string
	network string
}

// NewDriver creates a Docker SDK client and verifies daemon connectivity.
func NewDriver(ctx context.Context, image, dockerNetwork string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &Driver{cli: cli, image: image, network: dockerNetwork}, nil
}

// Close closes the Docker SDK client.
func (d *Driver) Close() error {
	return d.cli.Close()
}

// CreateShipContainer creates and starts the container backing a ship and
// reads back its IP address from the configured network.
func (d *Driver) CreateShipContainer(ctx context.Context, ship *models.Ship, spec *models.ShipSpec) (*CreateResult, error) {
	cfg := &container.Config{
		Image: d.image,
		Env: []string{
			"SHIP_ID=" + ship.ID,
			"TTL=" + strconv.Itoa(ship.TTL),
		},
		Labels: map[string]string{
			"ship_id":    ship.ID,
			"created_by": "bay",
		},
		ExposedPorts: nat.PortSet{shipWorkerPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		PortBindings: nat.PortMap{
			// Empty HostPort lets Docker pick a free one.
			shipWorkerPort: []nat.PortBinding{{HostPort: ""}},
		},
	}
	if spec != nil {
		if spec.CPUs != nil {
			hostCfg.Resources.CPUQuota = int64(*spec.CPUs * cpuPeriod)
			hostCfg.Resources.CPUPeriod = cpuPeriod
		}
		if spec.Memory != nil {
			mem, err := ParseMemory(*spec.Memory)
			if err != nil {
				return nil, fmt.Errorf("invalid memory spec %q: %w", *spec.Memory, err)
			}
			hostCfg.Resources.Memory = mem
		}
	}

	netCfg := &network.NetworkingConfig{}
	if d.network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			d.network: {},
		}
	}

	name := "ship-" + ship.ID
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create for ship %s: %w", ship.ID, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start for ship %s: %w", ship.ID, err)
	}

	inspect, err := d.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("container inspect for ship %s: %w", ship.ID, err)
	}

	ip := ""
	if d.network != "" {
		if ep, ok := inspect.NetworkSettings.Networks[d.network]; ok {
			ip = ep.IPAddress
		}
	}
	if ip == "" {
		ip = inspect.NetworkSettings.IPAddress
	}

	status := "unknown"
	if inspect.State != nil {
		status = inspect.State.Status
	}

	return &CreateResult{
		ContainerID:   created.ID,
		IPAddress:     ip,
		RuntimeStatus: status,
	}, nil
}

// StopShipContainer stops and removes a container. A missing container is
// treated as already removed.
func (d *Driver) StopShipContainer(ctx context.Context, containerID string) (bool, error) {
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			logging.L().Warn("container already gone", zap.String("container_id", containerID))
			return true, nil
		}
		return false, fmt.Errorf("container stop %s: %w", containerID, err)
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("container remove %s: %w", containerID, err)
	}
	return true, nil
}

// ContainerLogs returns the aggregated stdout+stderr of a container. A
// missing container yields an empty string.
func (d *Driver) ContainerLogs(ctx context.Context, containerID string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("container logs %s: %w", containerID, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("container logs demux %s: %w", containerID, err)
	}
	return buf.String(), nil
}

// IsContainerRunning reports whether the container is in the running state.
func (d *Driver) IsContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// ParseMemory parses a docker-style memory string ("512m", "1g", "64kb",
// plain bytes) into bytes.
func ParseMemory(memory string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(memory))
	if s == "" {
		return 0, fmt.Errorf("empty memory string")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier, s = 1024, strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "k"):
		multiplier, s = 1024, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "mb"):
		multiplier, s = 1024*1024, strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "m"):
		multiplier, s = 1024*1024, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "gb"):
		multiplier, s = 1024*1024*1024, strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "g"):
		multiplier, s = 1024*1024*1024, strings.TrimSuffix(s, "g")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", memory)
	}
	return n * multiplier, nil
}
