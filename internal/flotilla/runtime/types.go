package runtime

import (
	"io"
	"time"
)

// BuildSpec describes one image build. Exactly one of DockerfilePath and
// DockerfileContents is set; ContextDir is the build context root.
type BuildSpec struct {
	// Tag is the image tag the build produces.
	Tag string

	// ContextDir is the directory sent as the build context.
	ContextDir string

	// DockerfilePath names a dockerfile on the host. Empty when the
	// dockerfile is given inline.
	DockerfilePath string

	// DockerfileContents is the inline dockerfile text. Empty when a path
	// is given.
	DockerfileContents string

	// BuildArgs are ARG values passed to the build.
	BuildArgs map[string]string

	// ExtraArgs are raw CLI arguments appended to the build invocation.
	// Only the CLI transport honors them; the API transport warns and
	// ignores.
	ExtraArgs []string
}

// VolumeMount binds a host path into a container.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
}

// CreateSpec describes one container to create.
type CreateSpec struct {
	// Name is the runtime container name, already uniquified by the caller.
	Name string

	// Hostname is the name the container is reachable by on its network.
	Hostname string

	// Image is the image reference to run.
	Image string

	// Network is the virtual network to attach to, empty for the default.
	Network string

	Volumes []VolumeMount

	// Env holds "KEY=value" entries.
	Env []string

	// WorkDir sets the working directory inside the container.
	WorkDir string

	// Entrypoint overrides the image entrypoint when non-nil.
	Entrypoint []string

	// Cmd is the command and arguments run by the entrypoint.
	Cmd []string

	Labels map[string]string

	// ExtraArgs are raw CLI arguments appended to the create invocation.
	// Only the CLI transport honors them; the API transport warns and
	// ignores.
	ExtraArgs []string
}

// Status is a point-in-time container state snapshot.
type Status struct {
	// State is the runtime's state word: "created", "running", "exited".
	State string

	Running  bool
	ExitCode int

	// Error is the runtime's recorded error for the container, if any.
	Error string

	StartedAt  time.Time
	FinishedAt time.Time
}

// StreamSinks receives a started container's output. Either writer may be
// nil to discard that stream.
type StreamSinks struct {
	Stdout io.Writer
	Stderr io.Writer
}
