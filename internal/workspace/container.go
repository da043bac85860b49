package workspace

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/fleetforge/conductor/internal/common/logger"
)

// DockerContainerProvisioner implements ContainerProvisioner using the
// Docker SDK, following kdlbs-kandev's agent/docker.Client: build a
// container.Config + container.HostConfig{Resources}, create, start.
type DockerContainerProvisioner struct {
	cli *client.Client
	log *logger.Logger
}

func NewDockerContainerProvisioner(log *logger.Logger) (*DockerContainerProvisioner, error) {
	if log == nil {
		log = logger.Default()
	}
	cli, err := client.NewClientWithOpts(client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerContainerProvisioner{cli: cli, log: log}, nil
}

func (d *DockerContainerProvisioner) CreateAndStart(ctx context.Context, name, img string, env []string, limits Limits) (string, error) {
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err == nil {
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	}

	containerCfg := &container.Config{
		Image:      img,
		Env:        env,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"managed-by": "conductor"},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		CapDrop:    []string{"ALL"},
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			CPUQuota: limits.CPUQuota,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

func (d *DockerContainerProvisioner) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerContainerProvisioner) Remove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}
