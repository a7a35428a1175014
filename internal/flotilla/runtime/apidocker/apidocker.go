// Package apidocker implements the runtime transport against the Docker
// Engine API. Compared to the CLI transport it avoids one subprocess per
// container and can target a remote daemon by host URL.
package apidocker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// ManagedLabel marks every network and container this transport creates.
const ManagedLabel = "dev.flotilla.managed"

// Transport drives docker through the Engine API.
type Transport struct {
	client *dockerclient.Client
}

var _ runtime.Transport = (*Transport)(nil)

// New returns an API transport configured from the environment (DOCKER_HOST
// and friends), falling back to the default socket.
func New() (*Transport, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Transport{client: cli}, nil
}

// NewWithHost returns an API transport for an explicit daemon URL.
func NewWithHost(host string) (*Transport, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost(host),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client for %q: %w", host, err)
	}
	return &Transport{client: cli}, nil
}

func (t *Transport) Name() string { return "apidocker" }

func (t *Transport) Ping(ctx context.Context) error {
	if _, err := t.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	return nil
}

func (t *Transport) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	if len(spec.ExtraArgs) > 0 {
		slog.Warn("api transport ignores raw cli arguments", "container", spec.Name, "args", spec.ExtraArgs)
	}

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Hostname:   spec.Hostname,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		Cmd:        strslice.StrSlice(spec.Cmd),
		Labels:     labels,
	}
	if len(spec.Entrypoint) > 0 {
		containerCfg.Entrypoint = strslice.StrSlice(spec.Entrypoint)
	}

	hostCfg := &container.HostConfig{}
	for _, v := range spec.Volumes {
		hostCfg.Binds = append(hostCfg.Binds, v.HostPath+":"+v.ContainerPath)
	}

	var networkCfg *network.NetworkingConfig
	if spec.Network != "" {
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := t.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, spec.Name)
	if err != nil {
		return "", &runtime.CreateError{Name: spec.Name, Err: err}
	}
	return resp.ID, nil
}

func (t *Transport) Start(ctx context.Context, id string, sinks runtime.StreamSinks) (runtime.Waiter, error) {
	// attach before starting so no early output is lost
	attach, err := t.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", id, err)
	}

	if err := t.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("start container %s: %w", id, err)
	}

	w := &apiWaiter{id: id, drained: make(chan struct{})}
	w.waitCh, w.waitErrCh = t.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	go func() {
		defer close(w.drained)
		defer attach.Close()
		// the attach stream multiplexes both channels; demux into the sinks
		out, errOut := sinks.Stdout, sinks.Stderr
		if out == nil {
			out = discardWriter{}
		}
		if errOut == nil {
			errOut = discardWriter{}
		}
		if _, err := stdcopy.StdCopy(out, errOut, attach.Reader); err != nil {
			slog.Debug("attach stream closed", "container", id, "err", err)
		}
	}()
	return w, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// apiWaiter resolves the container's exit status from the engine's wait
// endpoint, after the attach stream has drained.
type apiWaiter struct {
	id        string
	waitCh    <-chan container.WaitResponse
	waitErrCh <-chan error
	drained   chan struct{}
}

func (w *apiWaiter) Wait(ctx context.Context) (proc.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return proc.ExitStatus{}, ctx.Err()
	case err := <-w.waitErrCh:
		return proc.ExitStatus{}, fmt.Errorf("wait container %s: %w", w.id, err)
	case resp := <-w.waitCh:
		if resp.Error != nil {
			return proc.ExitStatus{}, fmt.Errorf("wait container %s: %s", w.id, resp.Error.Message)
		}
		select {
		case <-w.drained:
		case <-ctx.Done():
			return proc.ExitStatus{}, ctx.Err()
		}
		return proc.ExitStatus{Completed: true, Code: int(resp.StatusCode)}, nil
	}
}

func (t *Transport) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	err := t.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (t *Transport) Remove(ctx context.Context, id string) error {
	err := t.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (t *Transport) Inspect(ctx context.Context, id string) (runtime.Status, error) {
	inspect, err := t.client.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.Status{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
	return runtime.Status{
		State:      inspect.State.Status,
		Running:    inspect.State.Running,
		ExitCode:   inspect.State.ExitCode,
		Error:      inspect.State.Error,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

func (t *Transport) NetworkCreate(ctx context.Context, name string, internal bool) error {
	_, err := t.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "bridge",
		Internal:   internal,
		Attachable: true,
		Labels:     map[string]string{ManagedLabel: "true"},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

func (t *Transport) NetworkRemove(ctx context.Context, name string) error {
	if err := t.client.NetworkRemove(ctx, name); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove network %q: %w", name, err)
	}
	return nil
}

func (t *Transport) ContainerIP(ctx context.Context, id, networkName string) (string, error) {
	inspect, err := t.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", id, err)
	}
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", fmt.Errorf("container %s has no address on network %q yet", id, networkName)
}
