package runtime

import (
	"errors"
	"fmt"
)

// ErrUnavailable reports that the container runtime cannot be reached.
// Transports wrap it so callers can distinguish a missing daemon from an
// operation failure.
var ErrUnavailable = errors.New("container runtime unavailable")

// buildLogBudget bounds how much of the build log a BuildError renders.
const buildLogBudget = 4096

// BuildError reports a failed image build, carrying the trailing portion of
// the build log.
type BuildError struct {
	// Ref identifies the build: the image tag, or the dockerfile when the
	// tag is not yet known.
	Ref string

	// Log is the captured build output, already trimmed to a trailing
	// window by the transport.
	Log []byte

	Err error
}

func (e *BuildError) Error() string {
	if len(e.Log) == 0 {
		return fmt.Sprintf("build %s: %v", e.Ref, e.Err)
	}
	log := e.Log
	if len(log) > buildLogBudget {
		log = log[len(log)-buildLogBudget:]
	}
	return fmt.Sprintf("build %s: %v\n%s", e.Ref, e.Err, log)
}

func (e *BuildError) Unwrap() error { return e.Err }

// CreateError reports a failed container creation.
type CreateError struct {
	Name string
	Err  error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create container %q: %v", e.Name, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
