package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flotilladev/flotilla/common/interrupt"
	"github.com/flotilladev/flotilla/common/retry"
	"github.com/flotilladev/flotilla/common/trace"
	"github.com/flotilladev/flotilla/internal/flotilla/proc"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// State is the network's lifecycle position.
type State int

const (
	StateUnbuilt State = iota
	StateBuilt
	StateNetworkCreated
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuilt:
		return "built"
	case StateNetworkCreated:
		return "network-created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) terminal() bool { return s >= StateCompleted }

// defaultStopGrace is how long a teardown stop waits before the runtime
// force-kills the container.
const defaultStopGrace = 10 * time.Second

// Network owns one isolated virtual network and the containers attached to
// it for a single run. Runtime names carry a per-instance UUID suffix, so
// two concurrent runs of the same definition never collide.
type Network struct {
	transport runtime.Transport

	baseName    string
	runID       string
	runtimeName string

	// Internal creates the network without external connectivity.
	Internal bool

	// LogsDir, when set, receives one raw log file per container stream.
	LogsDir string

	// Debug forwards container output lines live with colored name
	// prefixes. Individual specs can override it.
	Debug bool

	// ContextDir is the default build context directory for build groups.
	ContextDir string

	// StopGrace overrides the teardown stop grace period.
	StopGrace time.Duration

	commonVolumes        []runtime.VolumeMount
	commonEntrypointArgs []string

	mu         sync.Mutex
	state      State
	order      []string
	containers map[string]*Container
	outcomes   map[string]*Outcome
	netCreated bool
	netRemoved bool
	closed     bool
}

// New returns an empty network. The runtime network name is the base name
// plus a fresh UUID.
func New(baseName string, transport runtime.Transport) *Network {
	runID := uuid.NewString()
	return &Network{
		transport:   transport,
		baseName:    baseName,
		runID:       runID,
		runtimeName: baseName + "-" + runID,
		containers:  map[string]*Container{},
		outcomes:    map[string]*Outcome{},
	}
}

// Name returns the UUID-suffixed runtime network name.
func (n *Network) Name() string { return n.runtimeName }

// AddContainer registers a spec. Logical names must be unique; registration
// is only allowed before the build phase has begun.
func (n *Network) AddContainer(spec *ContainerSpec) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if spec.Name == "" {
		return errors.New("container spec has no name")
	}
	if n.state != StateUnbuilt {
		return fmt.Errorf("cannot add container %q in state %s", spec.Name, n.state)
	}
	if _, dup := n.containers[spec.Name]; dup {
		return fmt.Errorf("duplicate container name %q", spec.Name)
	}
	n.containers[spec.Name] = newContainer(spec, n.runID)
	n.order = append(n.order, spec.Name)
	return nil
}

// AddContainers registers several specs, stopping at the first error.
func (n *Network) AddContainers(specs ...*ContainerSpec) error {
	for _, s := range specs {
		if err := n.AddContainer(s); err != nil {
			return err
		}
	}
	return nil
}

// AddCommonVolumes appends volumes mounted into every container.
func (n *Network) AddCommonVolumes(vols ...runtime.VolumeMount) {
	n.commonVolumes = append(n.commonVolumes, vols...)
}

// AddCommonEntrypointArgs appends arguments passed to every container's
// entrypoint after its own.
func (n *Network) AddCommonEntrypointArgs(args ...string) {
	n.commonEntrypointArgs = append(n.commonEntrypointArgs, args...)
}

// Container returns the bound container for a logical name.
func (n *Network) Container(name string) (*Container, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.containers[name]
	return c, ok
}

// Outcomes snapshots the current per-container outcome map.
func (n *Network) Outcomes() RunOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(RunOutcome, len(n.outcomes))
	for name, o := range n.outcomes {
		out[name] = *o
	}
	return out
}

func (n *Network) setOutcome(name string, result *proc.Result, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes[name] = &Outcome{Name: name, Result: result, Err: err}
}

// outcomeSet reports whether the container already has a recorded outcome.
func (n *Network) outcomeSet(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.outcomes[name]
	return ok
}

func (n *Network) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// State returns the current lifecycle state.
func (n *Network) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Build resolves build groups and builds each distinct definition exactly
// once, concurrently across groups. A failing build aborts the phase:
// containers of the failed group are marked failed, containers whose group
// never started are marked skipped.
func (n *Network) Build(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateUnbuilt {
		n.mu.Unlock()
		return fmt.Errorf("build in state %s", n.state)
	}
	order := append([]string{}, n.order...)
	n.mu.Unlock()

	// group containers by content-addressed build definition
	type group struct {
		key     string
		members []*Container
	}
	var groups []*group
	byKey := map[string]*group{}
	for _, name := range order {
		c, _ := n.Container(name)
		key, needsBuild := c.spec.buildKey()
		if !needsBuild {
			c.image = c.spec.Build.value
			continue
		}
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, c)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			if egCtx.Err() != nil {
				// another group already failed; never started
				for _, c := range g.members {
					n.setOutcome(c.spec.Name, nil, ErrSkipped)
				}
				return nil
			}
			leader := g.members[0]
			tag := fmt.Sprintf("flotilla/%s-%s:%s", n.baseName, leader.spec.Name, g.key[:12])
			contextDir := leader.spec.BuildContextDir
			if contextDir == "" {
				contextDir = n.ContextDir
			}
			spec := runtime.BuildSpec{
				Tag:        tag,
				ContextDir: contextDir,
				BuildArgs:  leader.spec.BuildArgs,
				ExtraArgs:  leader.spec.BuildExtraArgs,
			}
			switch leader.spec.Build.kind {
			case dockerfilePath:
				spec.DockerfilePath = leader.spec.Build.value
			case dockerfileContents:
				spec.DockerfileContents = leader.spec.Build.contents
			}
			slog.Debug("building image", "tag", tag, "containers", len(g.members))
			if _, err := n.transport.Build(egCtx, spec); err != nil {
				for _, c := range g.members {
					n.setOutcome(c.spec.Name, nil, err)
				}
				return err
			}
			for _, c := range g.members {
				c.image = tag
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("build phase: %w", err)
	}
	n.setState(StateBuilt)
	return nil
}

// createNetwork creates the runtime virtual network. A failure here leaves
// nothing half-initialized: no containers have been created yet.
func (n *Network) createNetwork(ctx context.Context) error {
	if err := n.transport.NetworkCreate(ctx, n.runtimeName, n.Internal); err != nil {
		n.setState(StateFailed)
		return err
	}
	n.mu.Lock()
	n.netCreated = true
	n.state = StateNetworkCreated
	n.mu.Unlock()
	return nil
}

// Start runs the build and network phases if still pending, then creates and
// starts every container concurrently. Start calls for a dependent container
// are issued only after each of its dependencies reports ready.
func (n *Network) Start(ctx context.Context) error {
	switch n.State() {
	case StateUnbuilt:
		if err := n.Build(ctx); err != nil {
			return err
		}
		fallthrough
	case StateBuilt:
		if err := n.createNetwork(ctx); err != nil {
			return fmt.Errorf("network phase: %w", err)
		}
	case StateNetworkCreated:
	default:
		return fmt.Errorf("start in state %s", n.State())
	}

	n.mu.Lock()
	order := append([]string{}, n.order...)
	n.mu.Unlock()

	// the errgroup context dies as soon as Wait returns, but transports keep
	// the context handed to Start alive inside their attach/wait plumbing, so
	// start calls get one that survives into the supervise phase
	startCtx := context.WithoutCancel(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range order {
		c, _ := n.Container(name)
		if n.outcomeSet(name) {
			// failed or skipped during build
			c.markFailed()
			continue
		}
		eg.Go(func() error { return n.startOne(egCtx, startCtx, c) })
	}
	err := eg.Wait()

	// anything that never got going is recorded as skipped, not dropped
	for _, name := range order {
		c, _ := n.Container(name)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started && !n.outcomeSet(name) {
			n.setOutcome(name, nil, ErrSkipped)
			c.markFailed()
		}
	}

	if err != nil {
		n.setState(StateFailed)
		return fmt.Errorf("start phase: %w", err)
	}
	n.setState(StateRunning)
	return nil
}

// startOne waits for the container's dependencies, then issues create and
// start, then resolves its own readiness. startCtx outlives the start
// phase; the waiter returned by the transport stays bound to it.
func (n *Network) startOne(ctx, startCtx context.Context, c *Container) error {
	for _, dep := range c.spec.DependsOn {
		d, ok := n.Container(dep)
		if !ok {
			err := fmt.Errorf("container %q depends on unknown container %q", c.spec.Name, dep)
			n.setOutcome(c.spec.Name, nil, err)
			c.markFailed()
			return err
		}
		select {
		case <-d.ready:
		case <-d.failed:
			n.setOutcome(c.spec.Name, nil, ErrSkipped)
			c.markFailed()
			return nil
		case <-ctx.Done():
			c.markFailed()
			return ctx.Err()
		}
	}

	debug := n.Debug
	if c.spec.Debug != nil {
		debug = *c.spec.Debug
	}
	sinks, err := c.sinks(n.LogsDir, debug)
	if err != nil {
		n.setOutcome(c.spec.Name, nil, err)
		c.markFailed()
		return err
	}

	spec := runtime.CreateSpec{
		Name:      c.runtimeName,
		Hostname:  c.hostname,
		Image:     c.image,
		Network:   n.runtimeName,
		Volumes:   append(append([]runtime.VolumeMount{}, n.commonVolumes...), c.spec.Volumes...),
		Env:       c.spec.Env,
		WorkDir:   c.spec.WorkDir,
		ExtraArgs: c.spec.CreateExtraArgs,
	}
	if c.spec.Entrypoint != "" {
		spec.Entrypoint = []string{c.spec.Entrypoint}
		spec.Cmd = append(append([]string{}, c.spec.EntrypointArgs...), n.commonEntrypointArgs...)
	}

	id, err := n.transport.Create(ctx, spec)
	if err != nil {
		c.closeSinks()
		n.setOutcome(c.spec.Name, nil, err)
		c.markFailed()
		return err
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	waiter, err := n.transport.Start(startCtx, id, sinks)
	if err != nil {
		c.closeSinks()
		n.setOutcome(c.spec.Name, nil, err)
		c.markFailed()
		return err
	}
	c.mu.Lock()
	c.waiter = waiter
	c.started = true
	c.mu.Unlock()
	slog.Debug("container started", "name", c.spec.Name, "id", id)

	switch {
	case c.spec.Ready != nil:
		probe := func() error { return c.spec.Ready(ctx, c) }
		cfg := retry.Config{MaxAttempts: 120, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
		if err := retry.Do(ctx, cfg, probe); err != nil {
			err = fmt.Errorf("container %q never became ready: %w", c.spec.Name, err)
			n.setOutcome(c.spec.Name, nil, err)
			c.markFailed()
			return err
		}
		c.markReady()
	case c.spec.ReadyOnSignal:
		// SignalReady resolves it, typically from a message handshake
	default:
		c.markReady()
	}
	return nil
}

// SignalReady marks a container ready, releasing dependents waiting on it.
func (n *Network) SignalReady(name string) error {
	c, ok := n.Container(name)
	if !ok {
		return fmt.Errorf("unknown container %q", name)
	}
	c.markReady()
	return nil
}

// ContainerIP resolves the container's address on this network, retrying
// while the runtime's address assignment catches up with the start call.
func (n *Network) ContainerIP(ctx context.Context, name string) (string, error) {
	c, ok := n.Container(name)
	if !ok {
		return "", fmt.Errorf("unknown container %q", name)
	}
	var ip string
	cfg := retry.Config{MaxAttempts: 30, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	err := retry.Do(ctx, cfg, func() error {
		var err error
		ip, err = n.transport.ContainerIP(ctx, c.ID(), n.runtimeName)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolve address of %q: %w", name, err)
	}
	return ip, nil
}

// containerExit is one supervised container's terminal report.
type containerExit struct {
	c      *Container
	status proc.ExitStatus
	err    error
}

// WaitTimeout supervises the running containers. It returns nil once every
// container has exited successfully. On the first failure, on timeout, on
// operator interrupt, or on ctx cancellation it stops all still-running
// containers and returns the aggregate error. The timeout is wall-clock and
// covers the whole batch.
func (n *Network) WaitTimeout(ctx context.Context, d time.Duration) error {
	if s := n.State(); s != StateRunning {
		return fmt.Errorf("wait in state %s", s)
	}

	n.mu.Lock()
	var supervised []*Container
	for _, name := range n.order {
		c := n.containers[name]
		if _, done := n.outcomes[name]; c.started && !done {
			supervised = append(supervised, c)
		}
	}
	n.mu.Unlock()

	waitCtx, cancelWaits := context.WithCancel(context.Background())
	defer cancelWaits()
	exits := make(chan containerExit, len(supervised))
	for _, c := range supervised {
		c := c
		go func() {
			status, err := c.waiter.Wait(waitCtx)
			exits <- containerExit{c: c, status: status, err: err}
		}()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var cause error
	endState := StateCompleted
	remaining := len(supervised)

	for cause == nil && remaining > 0 {
		select {
		case exit := <-exits:
			remaining--
			name := exit.c.spec.Name
			exit.c.closeSinks()
			switch {
			case exit.err != nil:
				n.setOutcome(name, exit.c.result(exit.status), exit.err)
				cause = fmt.Errorf("container %q: %w", name, exit.err)
				endState = StateFailed
			case !exit.status.Success():
				res := exit.c.result(exit.status)
				n.setOutcome(name, res, res.AssertSuccess())
				cause = fmt.Errorf("container %q exited: %s", name, exit.status)
				endState = StateFailed
			default:
				n.setOutcome(name, exit.c.result(exit.status), nil)
				slog.Debug("container completed", "name", name)
			}
		case <-timer.C:
			cause = ErrTimeout
			endState = StateTimedOut
		case <-interrupt.C():
			cause = ErrCancelled
			endState = StateTerminated
		case <-ctx.Done():
			cause = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			endState = StateTerminated
		}
	}

	if cause == nil {
		n.setState(StateCompleted)
		return nil
	}

	// stop sweep: every still-running container gets a stop call, then a
	// short drain window records whatever exit statuses the sweep produced
	n.stopSweep()
	drain := time.After(n.stopGrace() + 5*time.Second)
	for remaining > 0 {
		select {
		case exit := <-exits:
			remaining--
			exit.c.closeSinks()
			if !n.outcomeSet(exit.c.spec.Name) {
				res := exit.c.result(exit.status)
				if exit.err != nil || !exit.status.Success() {
					n.setOutcome(exit.c.spec.Name, res, fmt.Errorf("%w: %w", ErrStoppedEarly, cause))
				} else {
					// finished cleanly while the sweep ran
					n.setOutcome(exit.c.spec.Name, res, nil)
				}
			}
		case <-drain:
			remaining = 0
		}
	}
	cancelWaits()
	for _, c := range supervised {
		c.closeSinks()
		if !n.outcomeSet(c.spec.Name) {
			n.setOutcome(c.spec.Name, c.result(proc.ExitStatus{}), fmt.Errorf("%w: %w", ErrStoppedEarly, cause))
		}
	}

	n.setState(endState)
	agg := &AggregateError{Cause: nil, Failures: n.Outcomes().Failed()}
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, ErrCancelled) {
		agg.Cause = cause
	}
	return agg
}

// Run is the single entry point: build, create the network, start
// everything, supervise until success/failure/timeout/interrupt, then tear
// down containers and network. The returned outcome map has an entry for
// every registered container even when Run fails.
func (n *Network) Run(ctx context.Context, timeout time.Duration) (RunOutcome, error) {
	interrupt.Install()
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}
	log := slog.With("network", n.runtimeName, "trace", trace.FromContext(ctx))
	log.Info("run starting", "containers", len(n.containers), "timeout", timeout)

	if err := n.transport.Ping(ctx); err != nil {
		return n.finalOutcomes(err), err
	}

	if err := n.Start(ctx); err != nil {
		n.teardown(ctx)
		log.Error("run failed before supervision", "err", err)
		return n.finalOutcomes(err), err
	}
	err := n.WaitTimeout(ctx, timeout)
	n.teardown(ctx)
	log.Info("run finished", "state", n.State())
	return n.finalOutcomes(err), err
}

// finalOutcomes guarantees one entry per registered container.
func (n *Network) finalOutcomes(cause error) RunOutcome {
	n.mu.Lock()
	for _, name := range n.order {
		if _, ok := n.outcomes[name]; !ok {
			n.outcomes[name] = &Outcome{Name: name, Err: cause}
		}
	}
	n.mu.Unlock()
	return n.Outcomes()
}

func (n *Network) stopGrace() time.Duration {
	if n.StopGrace > 0 {
		return n.StopGrace
	}
	return defaultStopGrace
}

// stopSweep issues concurrent stop calls to every started, not-yet-stopped
// container. Sweep failures are logged, never raised.
func (n *Network) stopSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), n.stopGrace()+30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	n.mu.Lock()
	for _, name := range n.order {
		c := n.containers[name]
		c.mu.Lock()
		needsStop := c.started && !c.stopped
		if needsStop {
			c.stopped = true
		}
		c.mu.Unlock()
		if !needsStop {
			continue
		}
		wg.Add(1)
		go func(c *Container) {
			defer wg.Done()
			if err := n.transport.Stop(ctx, c.ID(), n.stopGrace()); err != nil {
				slog.Warn("stop failed during sweep", "container", c.spec.Name, "err", err)
			}
		}(c)
	}
	n.mu.Unlock()
	wg.Wait()
}

// TerminateNamed stops and removes the named containers, leaving the rest
// and the network untouched.
func (n *Network) TerminateNamed(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		c, ok := n.Container(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown container %q", name))
			continue
		}
		if err := n.terminateContainer(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TerminateContainers stops and removes every container but keeps the
// network, so the instance can be reused for another start cycle.
func (n *Network) TerminateContainers(ctx context.Context) error {
	n.mu.Lock()
	names := append([]string{}, n.order...)
	n.mu.Unlock()
	var errs []error
	for _, name := range names {
		c, _ := n.Container(name)
		if err := n.terminateContainer(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// terminateContainer stops (guarded, at most one stop signal per container)
// and removes one container.
func (n *Network) terminateContainer(ctx context.Context, c *Container) error {
	c.mu.Lock()
	id := c.id
	needsStop := c.started && !c.stopped
	if needsStop {
		c.stopped = true
	}
	needsRemove := id != "" && !c.removed
	if needsRemove {
		c.removed = true
	}
	c.mu.Unlock()

	if id == "" {
		return nil
	}
	var errs []error
	if needsStop {
		if err := n.transport.Stop(ctx, id, n.stopGrace()); err != nil {
			errs = append(errs, err)
		}
	}
	if needsRemove {
		if err := n.transport.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	c.closeSinks()
	return errors.Join(errs...)
}

// Terminate stops and removes every container and deletes the network.
// Idempotent; errors are returned but the teardown always runs to the end.
func (n *Network) Terminate(ctx context.Context) error {
	err := n.TerminateContainers(ctx)

	n.mu.Lock()
	needsNetRemove := n.netCreated && !n.netRemoved
	if needsNetRemove {
		n.netRemoved = true
	}
	if !n.state.terminal() {
		n.state = StateTerminated
	}
	n.mu.Unlock()

	if needsNetRemove {
		if nerr := n.transport.NetworkRemove(ctx, n.runtimeName); nerr != nil {
			err = errors.Join(err, nerr)
		}
	}
	return err
}

// teardown is the internal end-of-run cleanup: best-effort, errors recorded
// in the log only so they never mask the run's own error.
func (n *Network) teardown(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
	}
	if err := n.Terminate(ctx); err != nil {
		slog.Warn("teardown", "network", n.runtimeName, "err", err)
	}
}

// Close finalizes the network from defer paths: if anything is still live
// it is terminated best-effort. Close never returns an error.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	live := (n.netCreated && !n.netRemoved) || !n.state.terminal()
	n.mu.Unlock()
	if !live {
		return nil
	}
	slog.Warn("network closed while still live, terminating", "network", n.runtimeName)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n.teardown(ctx)
	return nil
}
