package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// RunOptions describes a preview container.
type RunOptions struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Ports       nat.PortMap
	Labels      map[string]string
	MemoryBytes int64
	NanoCPUs    int64
}

// RunContainer creates and starts a container and returns its id.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(opts.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       opts.Labels,
		ExposedPorts: nat.PortSet{},
	}
	for p := range opts.Ports {
		cfg.ExposedPorts[p] = struct{}{}
	}
	hostCfg := &container.HostConfig{
		PortBindings:  opts.Ports,
		RestartPolicy: container.RestartPolicy{Name: "no"},
		SecurityOpt:   []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   opts.MemoryBytes,
			NanoCPUs: opts.NanoCPUs,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// ContainerRunning reports whether the named container is running.
// A missing container returns ErrNotFound.
func (c *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveImage deletes an image tag if it exists.
func (c *Client) RemoveImage(ctx context.Context, tag string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}
