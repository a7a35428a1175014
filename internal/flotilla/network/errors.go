package network

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
)

// ErrSkipped marks a container that never ran because a prerequisite (its
// build group, or a dependency) failed first.
var ErrSkipped = errors.New("skipped: a prerequisite failed before this container could run")

// ErrTimeout reports that the supervision timeout elapsed before all
// containers exited.
var ErrTimeout = errors.New("run timeout elapsed")

// ErrCancelled reports an operator interrupt during supervision.
var ErrCancelled = errors.New("run cancelled by interrupt")

// ErrStoppedEarly marks a container stopped by the teardown sweep after a
// sibling failed or the run was cut short.
var ErrStoppedEarly = errors.New("stopped early by teardown sweep")

// Outcome is one container's slot in the run result: its captured result
// when it produced one, and the error that ended it otherwise. A successful
// container has a Result and a nil Err; Result may accompany a non-nil Err
// (e.g. the partial capture of a stopped container).
type Outcome struct {
	Name   string
	Result *proc.Result
	Err    error
}

// Success reports a clean zero exit.
func (o Outcome) Success() bool {
	return o.Err == nil && o.Result != nil && o.Result.Status.Success()
}

// RunOutcome maps logical container name to outcome. Every registered
// container has an entry once a run finishes, however it finished.
type RunOutcome map[string]Outcome

// Failed returns the outcomes that did not succeed, sorted by name.
func (r RunOutcome) Failed() []Outcome {
	var out []Outcome
	for _, o := range r {
		if !o.Success() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AggregateError is the run-level failure: one entry per failed container,
// each carrying the error kind and the "Error:"-anchored excerpt of its
// captured output.
type AggregateError struct {
	// Cause is the run-level trigger (ErrTimeout, ErrCancelled, or nil when
	// individual containers failed on their own).
	Cause    error
	Failures []Outcome
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "%v; ", e.Cause)
	}
	fmt.Fprintf(&b, "%d container(s) did not succeed:", len(e.Failures))
	for _, o := range e.Failures {
		fmt.Fprintf(&b, "\n--- %s: ", o.Name)
		if o.Err != nil {
			b.WriteString(o.Err.Error())
		} else if o.Result != nil {
			b.WriteString(o.Result.Status.String())
		}
		if o.Result != nil {
			if ex := Excerpt(o.Result.Stderr, o.Result.Stdout, ExcerptBudget); ex != "" {
				b.WriteString("\n")
				b.WriteString(ex)
			}
		}
	}
	return b.String()
}

func (e *AggregateError) Unwrap() error { return e.Cause }
