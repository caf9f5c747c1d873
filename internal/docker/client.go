package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

// Client builds worker images and runs worker containers on one daemon.
type Client struct {
	inner *client.Client
}

// New connects to host, or to the daemon named by the DOCKER_* environment
// when host is empty. The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if h := strings.TrimSpace(host); h != "" {
		opts = append(opts, client.WithHost(h))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client for %q: %w", host, err)
	}
	return &Client{inner: inner}, nil
}

// Host reports the daemon address in use.
func (c *Client) Host() string {
	if c == nil || c.inner == nil {
		return ""
	}
	return c.inner.DaemonHost()
}

// Ping checks the daemon answers and runs Linux containers, which the
// generated worker Dockerfiles require.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping %s: %w", c.inner.DaemonHost(), err)
	}
	if ping.OSType != "" && ping.OSType != "linux" {
		return fmt.Errorf("docker daemon %s runs %s containers, need linux", c.inner.DaemonHost(), ping.OSType)
	}
	return nil
}

// Close releases the daemon connection.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
