// Package clidocker implements the runtime transport by shelling out to the
// docker CLI. It is the default transport: it needs nothing beyond a working
// `docker` binary and inherits whatever daemon configuration the CLI sees.
package clidocker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// ManagedLabel marks every network and container this transport creates, so
// leftovers from crashed runs can be identified.
const ManagedLabel = "dev.flotilla.managed"

// Transport drives docker through its CLI.
type Transport struct {
	// Bin is the docker binary to invoke. Empty means "docker" from PATH.
	Bin string

	// Debug forwards the output of management commands (build in
	// particular) live to the terminal.
	Debug bool
}

var _ runtime.Transport = (*Transport)(nil)

// New returns a CLI transport using "docker" from PATH.
func New() *Transport {
	return &Transport{Bin: "docker"}
}

func (t *Transport) Name() string { return "clidocker" }

func (t *Transport) bin() string {
	if t.Bin != "" {
		return t.Bin
	}
	return "docker"
}

// run executes one docker CLI invocation to completion and asserts a zero
// exit.
func (t *Transport) run(ctx context.Context, args ...string) (*proc.Result, error) {
	slog.Debug("docker cli", "cmd", shellescape.QuoteCommand(append([]string{t.bin()}, args...)))
	res, err := proc.New(t.bin(), args...).RunToCompletion(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.AssertSuccess(); err != nil {
		return res, err
	}
	return res, nil
}

func (t *Transport) Ping(ctx context.Context) error {
	res, err := proc.New(t.bin(), "version", "--format", "{{.Server.Version}}").RunToCompletion(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	if !res.Status.Success() {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, res.AssertSuccess())
	}
	return nil
}

func (t *Transport) Build(ctx context.Context, spec runtime.BuildSpec) ([]byte, error) {
	args := []string{"build", "-t", spec.Tag}
	for k, v := range spec.BuildArgs {
		args = append(args, "--build-arg", k+"="+v)
	}
	args = append(args, spec.ExtraArgs...)

	cmd := proc.New(t.bin())
	switch {
	case spec.DockerfileContents != "":
		// dockerfile on stdin, context from the host
		args = append(args, "-f", "-", spec.ContextDir)
		cmd.Args = args
		cmd.Stdin = strings.NewReader(spec.DockerfileContents)
	case spec.DockerfilePath != "":
		args = append(args, "-f", spec.DockerfilePath, spec.ContextDir)
		cmd.Args = args
	default:
		args = append(args, spec.ContextDir)
		cmd.Args = args
	}
	cmd.Debug = t.Debug
	cmd.DebugPrefix = "build " + spec.Tag

	slog.Debug("docker cli", "cmd", shellescape.QuoteCommand(append([]string{t.bin()}, cmd.Args...)))
	res, err := cmd.RunToCompletion(ctx)
	if err != nil {
		return nil, &runtime.BuildError{Ref: spec.Tag, Err: err}
	}
	// the CLI interleaves progress on stderr and output on stdout; keep both
	log := append(append([]byte{}, res.Stdout...), res.Stderr...)
	if !res.Status.Success() {
		return log, &runtime.BuildError{Ref: spec.Tag, Log: log, Err: fmt.Errorf("docker build: %s", res.Status)}
	}
	return log, nil
}

func (t *Transport) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v.HostPath+":"+v.ContainerPath)
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, "--label", ManagedLabel+"=true")

	// the CLI entrypoint flag takes a single program; trailing entrypoint
	// elements become leading command arguments
	cmd := spec.Cmd
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", spec.Entrypoint[0])
		cmd = append(append([]string{}, spec.Entrypoint[1:]...), spec.Cmd...)
	}
	args = append(args, spec.ExtraArgs...)
	args = append(args, spec.Image)
	args = append(args, cmd...)

	res, err := t.run(ctx, args...)
	if err != nil {
		return "", &runtime.CreateError{Name: spec.Name, Err: err}
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

func (t *Transport) Start(ctx context.Context, id string, sinks runtime.StreamSinks) (runtime.Waiter, error) {
	cmd := proc.New(t.bin(), "start", "--attach", id)
	cmd.StdoutSink = sinks.Stdout
	cmd.StderrSink = sinks.Stderr
	// the attach process is long-lived; keep only a bounded record here, the
	// caller's sinks hold the full streams
	cmd.RecordLimit = 64 * 1024
	runner, err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("start container %s: %w", id, err)
	}
	return &cliWaiter{runner: runner, id: id}, nil
}

// cliWaiter resolves the container's exit status from the attached `docker
// start` process, whose exit code mirrors the container's.
type cliWaiter struct {
	runner *proc.Runner
	id     string
}

func (w *cliWaiter) Wait(ctx context.Context) (proc.ExitStatus, error) {
	res, err := w.runner.Wait(ctx)
	if err != nil {
		return proc.ExitStatus{}, fmt.Errorf("wait container %s: %w", w.id, err)
	}
	return res.Status, nil
}

func (t *Transport) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	res, err := t.run(ctx, "stop", "-t", strconv.Itoa(secs), id)
	if err != nil && !isGone(res) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (t *Transport) Remove(ctx context.Context, id string) error {
	res, err := t.run(ctx, "rm", "-f", id)
	if err != nil && !isGone(res) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

func (t *Transport) Inspect(ctx context.Context, id string) (runtime.Status, error) {
	res, err := t.run(ctx, "inspect", "--type", "container", id)
	if err != nil {
		return runtime.Status{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	var entries []struct {
		State struct {
			Status     string
			Running    bool
			ExitCode   int
			Error      string
			StartedAt  string
			FinishedAt string
		}
	}
	if err := json.Unmarshal(res.Stdout, &entries); err != nil {
		return runtime.Status{}, fmt.Errorf("inspect container %s: parse: %w", id, err)
	}
	if len(entries) == 0 {
		return runtime.Status{}, fmt.Errorf("inspect container %s: no entries", id)
	}
	st := entries[0].State
	return runtime.Status{
		State:      st.Status,
		Running:    st.Running,
		ExitCode:   st.ExitCode,
		Error:      st.Error,
		StartedAt:  parseDockerTime(st.StartedAt),
		FinishedAt: parseDockerTime(st.FinishedAt),
	}, nil
}

func (t *Transport) NetworkCreate(ctx context.Context, name string, internal bool) error {
	args := []string{"network", "create", "--driver", "bridge", "--label", ManagedLabel + "=true"}
	if internal {
		args = append(args, "--internal")
	}
	args = append(args, name)
	if _, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("create network %q: %w", name, err)
	}
	return nil
}

func (t *Transport) NetworkRemove(ctx context.Context, name string) error {
	res, err := t.run(ctx, "network", "rm", name)
	if err != nil && !isGone(res) {
		return fmt.Errorf("remove network %q: %w", name, err)
	}
	return nil
}

func (t *Transport) ContainerIP(ctx context.Context, id, network string) (string, error) {
	res, err := t.run(ctx, "inspect", "--format", "{{json .NetworkSettings.Networks}}", id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s networks: %w", id, err)
	}
	var nets map[string]struct {
		IPAddress string
	}
	if err := json.Unmarshal(res.Stdout, &nets); err != nil {
		return "", fmt.Errorf("inspect container %s networks: parse: %w", id, err)
	}
	entry, ok := nets[network]
	if !ok || entry.IPAddress == "" {
		return "", fmt.Errorf("container %s has no address on network %q yet", id, network)
	}
	return entry.IPAddress, nil
}

// isGone reports whether a failed CLI call complained about an object that
// no longer exists, which callers on teardown paths treat as success.
func isGone(res *proc.Result) bool {
	if res == nil {
		return false
	}
	msg := strings.ToLower(string(res.Stderr))
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no such network") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "is already in progress")
}

func parseDockerTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || ts.Year() == 1 {
		return time.Time{}
	}
	return ts
}
