// Package docker implements the runtime ports against the Docker Engine
// API. Every instance runs as one container, named after its instance id
// and labeled with its App, with the service port published on an
// ephemeral host port.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/hashicorp/go-hclog"

	"github.com/melih/breakwater/internal/core/domain"
	"github.com/melih/breakwater/internal/core/ports"
)

const (
	labelApp      = "breakwater.app"
	labelInstance = "breakwater.instance"
)

// Config tunes the adapter. Zero values get working defaults.
type Config struct {
	// Network, when set, attaches containers to this Docker network
	// instead of the default bridge.
	Network string
	// HostIP replaces wildcard bind addresses (0.0.0.0, ::) in published
	// port bindings so the proxy gets a dialable address.
	HostIP string
	// StopTimeout is how long a container gets to exit on SIGTERM before
	// the daemon kills it.
	StopTimeout time.Duration
}

func (c *Config) normalize() {
	if c.HostIP == "" {
		c.HostIP = "127.0.0.1"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Adapter implements ports.Provisioner and ports.LogStreamer on the Docker
// Engine.
type Adapter struct {
	cli *client.Client
	log hclog.Logger
	cfg Config
}

// NewAdapter connects to the Docker daemon using the standard environment
// settings (DOCKER_HOST and friends).
func NewAdapter(log hclog.Logger, cfg Config) (*Adapter, error) {
	cfg.normalize()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, log: log, cfg: cfg}, nil
}

// Close releases the client's idle connections.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

func containerName(instanceID string) string {
	return "breakwater-" + instanceID
}

// Start pulls the image if needed, then creates and starts one container
// for the instance. It returns the host address the published service port
// landed on. A launch that fails partway is rolled back so no unnamed
// containers pile up.
func (a *Adapter) Start(ctx context.Context, spec ports.StartSpec) (string, error) {
	if err := a.ensureImage(ctx, spec.ImageRef); err != nil {
		// A missing image will not appear on retry; everything else
		// (daemon hiccup, registry timeout) might.
		return "", &domain.ProvisionError{AppID: spec.AppID, Fatal: errdefs.IsNotFound(err), Err: err}
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
	env := []string{fmt.Sprintf("PORT=%d", spec.Port)}
	if spec.ReadyCallbackURL != "" {
		env = append(env, "READY_CALLBACK_URL="+spec.ReadyCallbackURL)
	}
	if spec.StartupDelayHint > 0 {
		env = append(env, "STARTUP_DELAY_HINT="+spec.StartupDelayHint.String())
	}

	cfg := &container.Config{
		Image:        spec.ImageRef,
		Env:          env,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Labels: map[string]string{
			labelApp:      spec.AppID,
			labelInstance: spec.InstanceID,
		},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{portKey: {{}}},
	}
	if a.cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(a.cfg.Network)
	}

	name := containerName(spec.InstanceID)
	created, err := a.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", &domain.ProvisionError{AppID: spec.AppID, Err: fmt.Errorf("failed to create container: %w", err)}
	}
	if err := a.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		a.removeQuietly(created.ID)
		return "", &domain.ProvisionError{AppID: spec.AppID, Err: fmt.Errorf("failed to start container: %w", err)}
	}

	addr, err := a.publishedAddr(ctx, created.ID, portKey)
	if err != nil {
		a.removeQuietly(created.ID)
		return "", &domain.ProvisionError{AppID: spec.AppID, Err: err}
	}
	a.log.Debug("container started", "name", name, "address", addr)
	return addr, nil
}

// Stop stops and removes the instance's container. A container the daemon
// no longer knows satisfies the port contract and returns nil.
func (a *Adapter) Stop(ctx context.Context, instanceID string) error {
	name := containerName(instanceID)
	timeout := int(a.cfg.StopTimeout / time.Second)
	if err := a.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	if err := a.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Logs returns the container's combined stdout and stderr stream.
func (a *Adapter) Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error) {
	opts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := a.cli.ContainerLogs(ctx, containerName(instanceID), opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	return rc, nil
}

// ensureImage makes the image available locally, pulling it when the
// daemon does not have it yet.
func (a *Adapter) ensureImage(ctx context.Context, ref string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	a.log.Info("pulling image", "image", ref)
	reader, err := a.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// The pull only completes once its progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	if _, _, err := a.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		return fmt.Errorf("image %s missing after pull: %w", ref, err)
	}
	return nil
}

// publishedAddr reads back where the daemon published the service port.
func (a *Adapter) publishedAddr(ctx context.Context, containerID string, portKey nat.Port) (string, error) {
	info, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := info.NetworkSettings.Ports[portKey]
	if len(bindings) == 0 {
		return "", fmt.Errorf("no published binding for port %s", portKey)
	}
	hostIP := bindings[0].HostIP
	if hostIP == "" || hostIP == "0.0.0.0" || hostIP == "::" {
		hostIP = a.cfg.HostIP
	}
	return net.JoinHostPort(hostIP, bindings[0].HostPort), nil
}

// removeQuietly cleans up a partially launched container. Start already
// has an error to report; cleanup failures only get logged.
func (a *Adapter) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		a.log.Warn("failed to remove partial container", "container", containerID, "error", err)
	}
}
