//go:build unix

package proc

import "golang.org/x/sys/unix"

// signalStop delivers the platform stop signal.
func (r *Runner) signalStop() error {
	return unix.Kill(r.pid, unix.SIGTERM)
}

// SendSignal delivers a Unix signal number to the process, unmodified.
// It returns ErrAlreadyTerminated if a termination call already released
// the handle; a process that exited on its own is not an error.
func (r *Runner) SendSignal(signum int) error {
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return ErrAlreadyTerminated
	}
	select {
	case <-r.done:
		return nil
	default:
	}
	return unix.Kill(r.pid, unix.Signal(signum))
}
