// Package sandbox controls per-channel sandbox containers. The scheduler
// stops a channel's sandbox when its run is cancelled so no tool process
// keeps executing after the task is gone.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/driftlab/chatrelay/internal/config"
)

// Controller stops the sandbox attached to a channel, reporting whether one
// was actually running.
type Controller interface {
	Stop(ctx context.Context, chatKey string) (bool, error)
}

// Nop is used when sandbox control is disabled.
type Nop struct{}

func (Nop) Stop(context.Context, string) (bool, error) { return false, nil }

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Docker stops sandbox containers through the local Docker daemon.
type Docker struct {
	cli         *client.Client
	prefix      string
	stopTimeout int
}

// NewDocker connects to the daemon using the standard DOCKER_* environment.
func NewDocker(cfg config.SandboxConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{
		cli:         cli,
		prefix:      cfg.ContainerPrefix,
		stopTimeout: cfg.StopTimeoutSec,
	}, nil
}

// ContainerName maps a chat key to its sandbox container name.
func (d *Docker) ContainerName(chatKey string) string {
	return d.prefix + containerNameSanitizer.ReplaceAllString(strings.ToLower(chatKey), "-")
}

// Stop stops the channel's sandbox container if it exists. A missing
// container is not an error.
func (d *Docker) Stop(ctx context.Context, chatKey string) (bool, error) {
	name := d.ContainerName(chatKey)
	opts := container.StopOptions{}
	if d.stopTimeout > 0 {
		t := d.stopTimeout
		opts.Timeout = &t
	}
	if err := d.cli.ContainerStop(ctx, name, opts); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stop container %s: %w", name, err)
	}
	slog.Info("sandbox.container_stopped", "chat_key", chatKey, "container", name)
	return true, nil
}

// Close releases the daemon connection.
func (d *Docker) Close() error { return d.cli.Close() }
