// Package proc wraps spawned OS processes with raw output capture, live
// debug forwarding, log-file sinks, and signal-based termination. It is the
// process-lifecycle primitive underneath the container orchestration layers.
package proc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Command describes how to spawn a process. A Command is a reusable
// configuration: one Command can produce any number of Runners.
type Command struct {
	// Program is the path or name of the executable.
	Program string

	// Args are the arguments passed to the program, in order.
	Args []string

	// EnvClear clears the inherited environment before applying Env.
	EnvClear bool

	// Env holds environment overrides in "KEY=value" form. They are appended
	// to the inherited environment unless EnvClear is set.
	Env []string

	// Dir is the working directory for the process. Empty means inherit.
	Dir string

	// Stdin is the stdin source for the process. Nil connects stdin to the
	// null device rather than inheriting the parent's stdin.
	Stdin io.Reader

	// Debug forwards each output line live to the current process's
	// stdout/stderr, tagged with a colored prefix. This is a side channel:
	// it never alters the captured bytes.
	Debug bool

	// DebugPrefix overrides the default "<program> <pid>" line prefix.
	DebugPrefix string

	// StdoutLogPath and StderrLogPath, when set, receive a raw byte copy of
	// the respective stream.
	StdoutLogPath string
	StderrLogPath string

	// StdoutSink and StderrSink, when set, receive a live raw byte copy of
	// the respective stream alongside the capture buffer.
	StdoutSink io.Writer
	StderrSink io.Writer

	// RecordLimit bounds each capture buffer to a trailing window of this
	// many bytes. Zero means unlimited.
	RecordLimit int64

	// LogLimit bounds each log file to a trailing window of this many bytes.
	// Zero means unlimited.
	LogLimit int64
}

// New returns a Command for the given program and arguments with all other
// settings at their defaults.
func New(program string, args ...string) *Command {
	return &Command{Program: program, Args: args}
}

// String renders the command line for diagnostics.
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Run spawns the process and returns a Runner supervising it.
func (c *Command) Run() (*Runner, error) {
	return c.RunWithStdin(c.Stdin)
}

// RunWithStdin spawns the process with an explicit stdin source, replacing
// whatever Stdin the Command carries.
func (c *Command) RunWithStdin(stdin io.Reader) (*Runner, error) {
	return spawn(c, stdin)
}

// RunToCompletion spawns the process and waits for it to exit, returning the
// finished Result. A non-zero exit is not an error here; use
// Result.AssertSuccess to check the status.
func (c *Command) RunToCompletion(ctx context.Context) (*Result, error) {
	runner, err := c.Run()
	if err != nil {
		return nil, err
	}
	res, err := runner.Wait(ctx)
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("%s: %w", c.String(), err)
	}
	return res, nil
}

// RunWithInputToCompletion writes input to the process's stdin, closes it,
// and waits for the process to exit.
func (c *Command) RunWithInputToCompletion(ctx context.Context, input []byte) (*Result, error) {
	runner, err := c.RunWithStdin(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	res, err := runner.Wait(ctx)
	if err != nil {
		runner.Close()
		return nil, fmt.Errorf("%s: %w", c.String(), err)
	}
	return res, nil
}

// SpawnError reports that the executable could not be located or executed.
type SpawnError struct {
	Cmd string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Cmd, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IoError reports a stream copy fault that is not a simple EOF.
type IoError struct {
	Stream string // "stdout" or "stderr"
	Err    error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s copy: %v", e.Stream, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// openLogSink creates the log file for a stream, bounded to a trailing
// window when limit > 0.
func openLogSink(path string, limit int64) (*logSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file %s: %w", path, err)
	}
	return newLogSink(f, limit), nil
}
