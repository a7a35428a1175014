// Package runtime defines the transport capability interface the
// orchestration core uses to drive a container engine. Two implementations
// exist: clidocker (docker CLI subprocess) and apidocker (Docker Engine
// API). The core is written only against this interface, never against
// either concrete transport.
package runtime

import (
	"context"
	"time"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
)

// Transport abstracts the container engine.
type Transport interface {
	// Name identifies the transport for logs and diagnostics.
	Name() string

	// Ping verifies the runtime is reachable. It returns an error wrapping
	// ErrUnavailable when it is not.
	Ping(ctx context.Context) error

	// Build builds an image from a BuildSpec and returns the build log.
	// Failures return a *BuildError carrying a truncated log.
	Build(ctx context.Context, spec BuildSpec) ([]byte, error)

	// Create creates a container and returns the runtime container id.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created container with its output attached to sinks.
	// The returned Waiter resolves to the container's exit status.
	Start(ctx context.Context, id string, sinks StreamSinks) (Waiter, error)

	// Stop stops a running container, force-killing after grace.
	// An already-stopped or already-removed container is not an error.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a container. An already-removed container is not an
	// error.
	Remove(ctx context.Context, id string) error

	// Inspect returns the current status of a container.
	Inspect(ctx context.Context, id string) (Status, error)

	// NetworkCreate creates a named virtual network.
	NetworkCreate(ctx context.Context, name string, internal bool) error

	// NetworkRemove deletes a named virtual network.
	NetworkRemove(ctx context.Context, name string) error

	// ContainerIP returns the container's address on the given network.
	// Address assignment lags container start; callers retry.
	ContainerIP(ctx context.Context, id, network string) (string, error)
}

// Waiter resolves to a started container's exit status. Wait suspends until
// the container exits or ctx is cancelled.
type Waiter interface {
	Wait(ctx context.Context) (proc.ExitStatus, error)
}
