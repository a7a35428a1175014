package proc

import (
	"fmt"
	"strings"
)

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Completed is true when a natural exit was observed. It is false when
	// the runner was force-terminated before an exit status could be taken.
	Completed bool

	// Code is the exit code when Completed and the process exited normally.
	Code int

	// Signal names the terminating signal (e.g. "signal: terminated") when
	// the process died to one, empty otherwise.
	Signal string
}

// Success reports whether the process completed with a zero exit code.
func (s ExitStatus) Success() bool {
	return s.Completed && s.Signal == "" && s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case !s.Completed:
		return "terminated"
	case s.Signal != "":
		return s.Signal
	default:
		return fmt.Sprintf("exit %d", s.Code)
	}
}

// Result is the finished outcome of one process run: the exit status plus
// the raw captured output bytes.
type Result struct {
	// Cmd is the rendered command line, kept around for failure reporting.
	Cmd string

	Status ExitStatus

	// Stdout and Stderr hold exactly the bytes the process wrote; no
	// encoding normalization and no added or removed trailing newline.
	Stdout []byte
	Stderr []byte
}

// resultRenderLimit bounds how much output String includes.
const resultRenderLimit = 4096

// String renders the result with a bounded excerpt of both streams.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Result{cmd: %q, status: %s", r.Cmd, r.Status)
	if len(r.Stdout) > 0 {
		fmt.Fprintf(&b, ", stdout: %q", tail(r.Stdout, resultRenderLimit))
	}
	if len(r.Stderr) > 0 {
		fmt.Fprintf(&b, ", stderr: %q", tail(r.Stderr, resultRenderLimit))
	}
	b.WriteString("}")
	return b.String()
}

// AssertSuccess returns a NonZeroExitError when the process did not exit
// cleanly.
func (r *Result) AssertSuccess() error {
	if r.Status.Success() {
		return nil
	}
	return &NonZeroExitError{
		Cmd:    r.Cmd,
		Status: r.Status,
		Stdout: r.Stdout,
		Stderr: r.Stderr,
	}
}

// NoDebug returns the reduced variant of the result, excluded from verbose
// rendering. Use it for results carrying large or secret payloads.
func (r *Result) NoDebug() ResultNoDebug {
	return ResultNoDebug{Cmd: r.Cmd, Status: r.Status, Stdout: r.Stdout, Stderr: r.Stderr}
}

// ResultNoDebug carries the same fields as Result but renders only the
// command and status, never the captured payload.
type ResultNoDebug struct {
	Cmd    string
	Status ExitStatus
	Stdout []byte
	Stderr []byte
}

func (r ResultNoDebug) String() string {
	return fmt.Sprintf("Result{cmd: %q, status: %s}", r.Cmd, r.Status)
}

// AssertSuccess behaves like Result.AssertSuccess.
func (r ResultNoDebug) AssertSuccess() error {
	if r.Status.Success() {
		return nil
	}
	return &NonZeroExitError{Cmd: r.Cmd, Status: r.Status, Stdout: r.Stdout, Stderr: r.Stderr}
}

// NonZeroExitError reports a process that did not exit cleanly, carrying the
// captured stderr (and stdout as a fallback) for diagnostics.
type NonZeroExitError struct {
	Cmd    string
	Status ExitStatus
	Stdout []byte
	Stderr []byte
}

func (e *NonZeroExitError) Error() string {
	out := e.Stderr
	if len(out) == 0 {
		out = e.Stdout
	}
	if len(out) == 0 {
		return fmt.Sprintf("%s: %s", e.Cmd, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Cmd, e.Status, tail(out, resultRenderLimit))
}

// tail returns the trailing n bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
