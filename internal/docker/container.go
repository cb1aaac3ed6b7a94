package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSpec declares everything needed to create a site container. Ports
// are exposed to the attached networks only, never published to the host;
// routing happens through the ingress network.
type ContainerSpec struct {
	Name          string
	Image         string
	Env           []string
	Labels        map[string]string
	Binds         []string
	Network       string
	ExposedPort   int
	RestartPolicy string
}

// CreateContainer creates a container from the spec and returns its id. The
// container is not started.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	if spec.ExposedPort > 0 {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.ExposedPort))
		if err != nil {
			return "", fmt.Errorf("invalid exposed port: %w", err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = "unless-stopped"
	}
	hostCfg := &container.HostConfig{
		Binds:         spec.Binds,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restart)},
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	r, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", fmt.Errorf("container %s already exists: %w", spec.Name, err)
		}
		return "", fmt.Errorf("container create: %w", err)
	}
	return r.ID, nil
}

// StartContainer starts a container, tolerating one that is already running.
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	err := c.inner.ContainerStart(ctx, ref, container.StartOptions{})
	if err == nil {
		return nil
	}
	if errdefs.IsNotModified(err) || strings.Contains(err.Error(), "already started") {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("container %s: %w", ref, ErrNotFound)
	}
	return fmt.Errorf("container start: %w", err)
}

// StopContainer stops a container, tolerating one that is already stopped or
// already gone.
func (c *Client) StopContainer(ctx context.Context, ref string) error {
	err := c.inner.ContainerStop(ctx, ref, container.StopOptions{})
	if err == nil {
		return nil
	}
	if errdefs.IsNotModified(err) ||
		strings.Contains(err.Error(), "is not running") ||
		strings.Contains(err.Error(), "already stopped") {
		return nil
	}
	if client.IsErrNotFound(err) {
		return nil
	}
	return fmt.Errorf("container stop: %w", err)
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ContainerState returns the runtime state string of a container, such as
// "running" or "exited".
func (c *Client) ContainerState(ctx context.Context, ref string) (string, error) {
	inspect, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("container %s: %w", ref, ErrNotFound)
		}
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if inspect.State == nil {
		return "", fmt.Errorf("container %s has no state", ref)
	}
	return inspect.State.Status, nil
}

// ContainerLogs returns the last tail lines of a container's output with the
// stdout/stderr multiplexing stripped.
func (c *Client) ContainerLogs(ctx context.Context, ref string, tail int) (string, error) {
	reader, tty, err := c.openLogs(ctx, ref, tail, false)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if tty {
		_, err = io.Copy(&buf, reader)
	} else {
		_, err = stdcopy.StdCopy(&buf, &buf, reader)
	}
	if err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}

// StreamLogs follows a container's output, demultiplexing it into w until the
// context is cancelled or the container stops.
func (c *Client) StreamLogs(ctx context.Context, ref string, tail int, w io.Writer) error {
	reader, tty, err := c.openLogs(ctx, ref, tail, true)
	if err != nil {
		return err
	}
	defer reader.Close()

	if tty {
		_, err = io.Copy(w, reader)
	} else {
		_, err = stdcopy.StdCopy(w, w, reader)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stream container logs: %w", err)
	}
	return nil
}

func (c *Client) openLogs(ctx context.Context, ref string, tail int, follow bool) (io.ReadCloser, bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, false, fmt.Errorf("container %s: %w", ref, ErrNotFound)
		}
		return nil, false, fmt.Errorf("container inspect: %w", err)
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	reader, err := c.inner.ContainerLogs(ctx, ref, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, false, fmt.Errorf("container %s: %w", ref, ErrNotFound)
		}
		return nil, false, fmt.Errorf("container logs: %w", err)
	}

	tty := inspect.Config != nil && inspect.Config.Tty
	return reader, tty, nil
}

// Stats holds one resource usage sample for a container.
type Stats struct {
	CPUPercent  float64
	MemoryUsage uint64
	MemoryLimit uint64
}

// ContainerStats takes a single usage sample.
func (c *Client) ContainerStats(ctx context.Context, ref string) (Stats, error) {
	resp, err := c.inner.ContainerStatsOneShot(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, fmt.Errorf("container %s: %w", ref, ErrNotFound)
		}
		return Stats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := decodeStats(resp.Body, &raw); err != nil {
		return Stats{}, err
	}
	return Stats{
		CPUPercent:  cpuPercent(&raw),
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}, nil
}

func decodeStats(r io.Reader, out *types.StatsJSON) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decode container stats: %w", err)
	}
	return nil
}

// cpuPercent derives a percentage from the usage deltas between the sample
// and the previous read, scaled by the number of online CPUs.
func cpuPercent(s *types.StatsJSON) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}
