// Package network is the orchestration core: it owns a named set of
// containers plus one isolated virtual network, resolves build groups and
// start dependencies, supervises the containers concurrently, aggregates
// failure diagnostics from captured output, and guarantees idempotent
// teardown.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// Dockerfile is a container's build source: a pre-existing image reference,
// a dockerfile path on the host, or inline dockerfile text.
type Dockerfile struct {
	kind     dockerfileKind
	value    string
	contents string
}

type dockerfileKind int

const (
	dockerfileImage dockerfileKind = iota
	dockerfilePath
	dockerfileContents
)

// FromImage references an already-built image; no build phase work happens
// for containers using it.
func FromImage(ref string) Dockerfile {
	return Dockerfile{kind: dockerfileImage, value: ref}
}

// FromDockerfilePath builds from a dockerfile on the host.
func FromDockerfilePath(path string) Dockerfile {
	return Dockerfile{kind: dockerfilePath, value: path}
}

// FromDockerfileContents builds from inline dockerfile text.
func FromDockerfileContents(contents string) Dockerfile {
	return Dockerfile{kind: dockerfileContents, contents: contents}
}

// IsImage reports whether this source needs no build.
func (d Dockerfile) IsImage() bool { return d.kind == dockerfileImage }

// ContainerSpec describes one buildable/runnable unit before a run gives it
// runtime identity.
type ContainerSpec struct {
	// Name is the logical name, unique within a network. Runtime names and
	// hostnames derive from it plus the per-run UUID suffix.
	Name string

	// Build is the image source.
	Build Dockerfile

	// BuildContextDir overrides the network's build context directory for
	// this container's build group.
	BuildContextDir string

	BuildArgs      map[string]string
	BuildExtraArgs []string

	// CreateExtraArgs are raw arguments forwarded to the create call; only
	// the CLI transport honors them.
	CreateExtraArgs []string

	Volumes []runtime.VolumeMount

	// Env holds "KEY=value" entries.
	Env []string

	// Entrypoint overrides the image entrypoint; EntrypointArgs are passed
	// as the command.
	Entrypoint     string
	EntrypointArgs []string

	WorkDir string

	// NoUUIDHostname keeps the hostname equal to the logical name instead
	// of suffixing it. Runtime container names are always suffixed.
	NoUUIDHostname bool

	// DependsOn lists logical names whose readiness gates this container's
	// start.
	DependsOn []string

	// Ready, when set, is polled after start until it returns nil; only
	// then is the container considered ready by its dependents.
	Ready func(ctx context.Context, c *Container) error

	// ReadyOnSignal defers readiness to an explicit SignalReady call,
	// typically driven by a message-channel handshake from inside the
	// container. Without it (and without Ready) a container is ready as
	// soon as its start call returns.
	ReadyOnSignal bool

	// Debug overrides the network's live line-forwarding default.
	Debug *bool
}

// NewContainer returns a spec with the given name and build source.
func NewContainer(name string, build Dockerfile) *ContainerSpec {
	return &ContainerSpec{Name: name, Build: build}
}

// buildKey content-addresses the build definition so identical definitions
// form one build group. The second return is false for image references.
func (s *ContainerSpec) buildKey() (string, bool) {
	if s.Build.IsImage() {
		return "", false
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00", s.Build.kind, s.Build.value, s.Build.contents, s.BuildContextDir)
	keys := make([]string, 0, len(s.BuildArgs))
	for k := range s.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, s.BuildArgs[k])
	}
	fmt.Fprintf(h, "%s", strings.Join(s.BuildExtraArgs, "\x00"))
	return hex.EncodeToString(h.Sum(nil)), true
}

// Container is a spec bound to one run: runtime identity, captured output,
// and lifecycle state.
type Container struct {
	spec *ContainerSpec

	runtimeName string
	hostname    string
	image       string
	id          string

	stdout *proc.CaptureBuffer
	stderr *proc.CaptureBuffer

	waiter runtime.Waiter

	ready     chan struct{}
	readyOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once

	mu      sync.Mutex
	started bool
	stopped bool
	removed bool

	closers []io.Closer
}

func newContainer(spec *ContainerSpec, runID string) *Container {
	hostname := spec.Name + "-" + runID
	if spec.NoUUIDHostname {
		hostname = spec.Name
	}
	return &Container{
		spec:        spec,
		runtimeName: spec.Name + "-" + runID,
		hostname:    hostname,
		stdout:      proc.NewCaptureBuffer(0),
		stderr:      proc.NewCaptureBuffer(0),
		ready:       make(chan struct{}),
		failed:      make(chan struct{}),
	}
}

// Name returns the logical name.
func (c *Container) Name() string { return c.spec.Name }

// RuntimeName returns the UUID-suffixed name the runtime sees.
func (c *Container) RuntimeName() string { return c.runtimeName }

// Hostname returns the name the container is reachable by on the network.
func (c *Container) Hostname() string { return c.hostname }

// ID returns the runtime container id, empty before creation.
func (c *Container) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Stdout returns a copy of the bytes the container has written so far.
func (c *Container) Stdout() []byte { return c.stdout.Bytes() }

// Stderr returns a copy of the bytes the container has written so far.
func (c *Container) Stderr() []byte { return c.stderr.Bytes() }

func (c *Container) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

func (c *Container) markFailed() { c.failOnce.Do(func() { close(c.failed) }) }

// sinks builds the stream fan-out for this container: the capture buffers,
// optional raw log files, and optional live debug forwarding.
func (c *Container) sinks(logsDir string, debug bool) (runtime.StreamSinks, error) {
	outs := []io.Writer{c.stdout}
	errs := []io.Writer{c.stderr}

	if logsDir != "" {
		outFile, err := os.Create(logPath(logsDir, c.spec.Name, "stdout"))
		if err != nil {
			return runtime.StreamSinks{}, fmt.Errorf("create log for %s: %w", c.spec.Name, err)
		}
		errFile, err := os.Create(logPath(logsDir, c.spec.Name, "stderr"))
		if err != nil {
			outFile.Close()
			return runtime.StreamSinks{}, fmt.Errorf("create log for %s: %w", c.spec.Name, err)
		}
		outs = append(outs, outFile)
		errs = append(errs, errFile)
		c.closers = append(c.closers, outFile, errFile)
	}

	if debug {
		dbgOut, dbgErr := proc.NewDebugWriters(c.spec.Name)
		outs = append(outs, dbgOut)
		errs = append(errs, dbgErr)
		c.closers = append(c.closers, dbgOut, dbgErr)
	}

	return runtime.StreamSinks{
		Stdout: io.MultiWriter(outs...),
		Stderr: io.MultiWriter(errs...),
	}, nil
}

func (c *Container) closeSinks() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for _, cl := range closers {
		cl.Close()
	}
}

func logPath(dir, name, stream string) string {
	return dir + string(os.PathSeparator) + name + "." + stream + ".log"
}

// result snapshots the captured output with the given exit status.
func (c *Container) result(status proc.ExitStatus) *proc.Result {
	return &proc.Result{
		Cmd:    "container " + c.spec.Name,
		Status: status,
		Stdout: c.stdout.Bytes(),
		Stderr: c.stderr.Bytes(),
	}
}
