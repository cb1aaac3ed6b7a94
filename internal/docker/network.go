package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// EnsureNetwork creates a bridge network if it does not already exist and
// returns its id.
func (c *Client) EnsureNetwork(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("network name cannot be empty")
	}
	existing, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return existing.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", fmt.Errorf("network inspect: %w", err)
	}

	created, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("network create: %w", err)
	}
	return created.ID, nil
}

// ConnectNetwork attaches a container to a network, tolerating an endpoint
// that is already attached.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, containerRef string) error {
	err := c.inner.NetworkConnect(ctx, networkName, containerRef, &network.EndpointSettings{})
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists in network") {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("network %s or container %s: %w", networkName, containerRef, ErrNotFound)
	}
	return fmt.Errorf("network connect: %w", err)
}

// RemoveNetwork deletes a network if it exists.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.inner.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("network remove: %w", err)
	}
	return nil
}

// RemoveVolume force-deletes a volume if it exists.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.inner.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("volume remove: %w", err)
	}
	return nil
}
