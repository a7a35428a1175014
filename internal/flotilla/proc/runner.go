package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrAlreadyTerminated reports that the process handle was already released
// by a prior termination call. It is never returned when the process merely
// exited on its own.
var ErrAlreadyTerminated = errors.New("process handle already released by a prior termination")

// ErrUnsupported reports a platform-gated capability that is unavailable on
// the current platform.
var ErrUnsupported = errors.New("not supported on this platform")

// ErrWaitTimeout reports that a process did not exit within the duration
// given to WaitTimeout.
var ErrWaitTimeout = errors.New("timeout waiting for process exit")

// defaultStopGrace is how long Terminate waits for a graceful stop before
// force-killing.
const defaultStopGrace = 5 * time.Second

// Runner supervises one spawned process: the exclusively owned OS handle,
// the two stream copiers draining stdout/stderr into capture buffers, and
// the termination state.
//
// The handle has exactly one owner. Termination releases it, so a second
// termination observes the released flag instead of racing on the handle.
type Runner struct {
	cmd  *exec.Cmd
	desc string
	pid  int

	stdout *CaptureBuffer
	stderr *CaptureBuffer

	copiers sync.WaitGroup
	done    chan struct{} // closed once the process exited and copiers drained

	mu       sync.Mutex
	released bool
	result   *Result
	copyErr  *IoError
	waitErr  error // cmd.Wait failure that is not a plain non-zero exit
}

func spawn(c *Command, stdin io.Reader) (*Runner, error) {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = stdin
	if c.EnvClear {
		cmd.Env = append([]string{}, c.Env...)
	} else if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stdout pipe: %w", c.String(), err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: stderr pipe: %w", c.String(), err)
	}

	// acquire log sinks before spawning so a bad path fails cheaply
	var stdoutLog, stderrLog *logSink
	if c.StdoutLogPath != "" {
		if stdoutLog, err = openLogSink(c.StdoutLogPath, c.LogLimit); err != nil {
			return nil, err
		}
	}
	if c.StderrLogPath != "" {
		if stderrLog, err = openLogSink(c.StderrLogPath, c.LogLimit); err != nil {
			if stdoutLog != nil {
				stdoutLog.Close()
			}
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		if stdoutLog != nil {
			stdoutLog.Close()
		}
		if stderrLog != nil {
			stderrLog.Close()
		}
		return nil, &SpawnError{Cmd: c.String(), Err: err}
	}

	r := &Runner{
		cmd:    cmd,
		desc:   c.String(),
		pid:    cmd.Process.Pid,
		stdout: NewCaptureBuffer(c.RecordLimit),
		stderr: NewCaptureBuffer(c.RecordLimit),
		done:   make(chan struct{}),
	}

	var stdoutFwd, stderrFwd *lineWriter
	if c.Debug {
		base := c.DebugPrefix
		if base == "" {
			base = fmt.Sprintf("%s %d", c.Program, r.pid)
		}
		col := nextColor()
		stdoutFwd = newLineWriter(os.Stdout, col.Sprintf("%s  | ", base))
		stderrFwd = newLineWriter(os.Stderr, col.Sprintf("%s E| ", base))
	}

	r.copiers.Add(2)
	go r.copyStream("stdout", stdoutPipe, r.stdout, stdoutLog, stdoutFwd, c.StdoutSink)
	go r.copyStream("stderr", stderrPipe, r.stderr, stderrLog, stderrFwd, c.StderrSink)

	go func() {
		// pipe reads must finish before Wait releases the descriptors
		r.copiers.Wait()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			r.mu.Lock()
			r.waitErr = err
			r.mu.Unlock()
		}
		close(r.done)
	}()

	return r, nil
}

// copyStream drains one pipe into the capture buffer and the optional log
// and debug sinks. It stops at pipe EOF, not at any particular byte pattern,
// and performs no transformation of the captured bytes.
func (r *Runner) copyStream(stream string, src io.Reader, capture *CaptureBuffer, sink *logSink, fwd *lineWriter, extra io.Writer) {
	defer r.copiers.Done()
	buf := make([]byte, 8*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			capture.Write(buf[:n])
			if sink != nil {
				if _, werr := sink.Write(buf[:n]); werr != nil {
					r.recordCopyErr(stream, werr)
					sink = nil
				}
			}
			if fwd != nil {
				fwd.Write(buf[:n])
			}
			if extra != nil {
				if _, werr := extra.Write(buf[:n]); werr != nil {
					r.recordCopyErr(stream, werr)
					extra = nil
				}
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				r.recordCopyErr(stream, err)
			}
			break
		}
	}
	if fwd != nil {
		fwd.Close()
	}
	if sink != nil {
		sink.Close()
	}
}

func (r *Runner) recordCopyErr(stream string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.copyErr == nil {
		r.copyErr = &IoError{Stream: stream, Err: err}
	}
}

// Pid returns the process id. The second return is false once a termination
// call released the handle.
func (r *Runner) Pid() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid, !r.released
}

// Wait suspends until the process exits and both stream copiers finish,
// then returns the finished Result. A non-zero exit is not an error; stream
// copy faults surface as an IoError. Cancelling ctx abandons the wait
// without affecting the process.
func (r *Runner) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}
	return r.finish()
}

// WaitTimeout polls for process exit with exponential backoff, returning
// ErrWaitTimeout if the process is still running after d. A zero duration
// still allows one extra round, so it succeeds when the process has already
// exited.
func (r *Runner) WaitTimeout(d time.Duration) error {
	interval := time.Millisecond
	start := time.Now()
	grace := true
	for {
		select {
		case <-r.done:
			_, err := r.finish()
			return err
		default:
		}
		if time.Since(start) > d {
			if grace {
				grace = false
			} else {
				return fmt.Errorf("%s: %w", r.desc, ErrWaitTimeout)
			}
		}
		time.Sleep(interval)
		if interval < 128*time.Millisecond {
			interval *= 2
		}
	}
}

// finish builds and stores the Result once the done channel is closed.
func (r *Runner) finish() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released && r.result == nil {
		return nil, ErrAlreadyTerminated
	}
	if r.result == nil {
		status := ExitStatus{Completed: true}
		if state := r.cmd.ProcessState; state != nil {
			if code := state.ExitCode(); code >= 0 {
				status.Code = code
			} else {
				status.Signal = state.String()
			}
		}
		r.result = &Result{
			Cmd:    r.desc,
			Status: status,
			Stdout: r.stdout.Bytes(),
			Stderr: r.stderr.Bytes(),
		}
	}
	if r.waitErr != nil {
		return nil, fmt.Errorf("%s: wait: %w", r.desc, r.waitErr)
	}
	if r.copyErr != nil {
		return nil, r.copyErr
	}
	return r.result, nil
}

// Terminate sends the platform stop signal and force-kills after the default
// grace period. It is idempotent: a second call returns nil without
// signaling the process again. A process that already exited on its own is
// not an error either.
func (r *Runner) Terminate() error {
	return r.TerminateAfter(defaultStopGrace)
}

// TerminateAfter is Terminate with an explicit grace period before the
// force-kill.
func (r *Runner) TerminateAfter(grace time.Duration) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()

	select {
	case <-r.done:
		// exited on its own; record the natural status
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.result == nil {
			status := ExitStatus{Completed: true}
			if state := r.cmd.ProcessState; state != nil {
				if code := state.ExitCode(); code >= 0 {
					status.Code = code
				} else {
					status.Signal = state.String()
				}
			}
			r.result = &Result{Cmd: r.desc, Status: status, Stdout: r.stdout.Bytes(), Stderr: r.stderr.Bytes()}
		}
		return nil
	default:
	}

	if err := r.signalStop(); err != nil {
		// the signal failing usually means the process raced to exit;
		// fall through to the force-kill path
		slog.Debug("stop signal failed", "cmd", r.desc, "err", err)
	}
	select {
	case <-r.done:
	case <-time.After(grace):
		_ = r.cmd.Process.Kill()
		<-r.done
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		r.result = &Result{
			Cmd:    r.desc,
			Status: ExitStatus{Completed: false},
			Stdout: r.stdout.Bytes(),
			Stderr: r.stderr.Bytes(),
		}
	}
	return nil
}

// Close finalizes the runner from defer paths. If the process is still
// running it is force-terminated and a best-effort partial result is
// recorded. Close never returns an error and never panics, so it is safe
// during unwinding.
func (r *Runner) Close() error {
	select {
	case <-r.done:
		_, _ = r.finish()
		return nil
	default:
	}
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return nil
	}
	slog.Warn("process runner closed while still running, terminating", "cmd", r.desc)
	_ = r.TerminateAfter(time.Second)
	return nil
}

// Result returns the stored result, or nil if the runner has not finished.
func (r *Runner) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// TakeResult returns the stored result and clears the slot.
func (r *Runner) TakeResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	r.result = nil
	return res
}
