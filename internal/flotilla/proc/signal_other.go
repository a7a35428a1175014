//go:build !unix

package proc

// signalStop has no graceful signal off Unix; force-kill directly.
func (r *Runner) signalStop() error {
	return r.cmd.Process.Kill()
}

// SendSignal is a Unix-only capability.
func (r *Runner) SendSignal(signum int) error {
	return ErrUnsupported
}
