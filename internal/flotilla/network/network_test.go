package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
)

func TestRunAllSucceed(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	if err := n.AddContainers(
		NewContainer("db", FromImage("postgres:16")),
		NewContainer("app", FromImage("app:latest")),
	); err != nil {
		t.Fatal(err)
	}

	go func() {
		if !waitUntil(func() bool { return mt.startedCount() == 2 }) {
			return
		}
		mt.mu.Lock()
		ids := append([]string{}, mt.startedIDs...)
		mt.mu.Unlock()
		for _, id := range ids {
			mt.exit(id, proc.ExitStatus{Completed: true, Code: 0})
		}
	}()

	out, err := n.Run(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("outcomes = %d entries, want 2", len(out))
	}
	for _, name := range []string{"db", "app"} {
		if !out[name].Success() {
			t.Errorf("%s outcome = %+v, want success", name, out[name])
		}
	}
	if n.State() != StateCompleted {
		t.Errorf("state = %s, want %s", n.State(), StateCompleted)
	}
	// no leaked runtime resources
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if len(mt.netsRemoved) != 1 {
		t.Errorf("network not removed: %v", mt.netsRemoved)
	}
	if len(mt.removedIDs) != 2 {
		t.Errorf("containers removed = %v, want 2", mt.removedIDs)
	}
}

func TestFailureStopsSiblingsAndKeepsAllEntries(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	if err := n.AddContainers(
		NewContainer("bad", FromImage("bad:latest")),
		NewContainer("long", FromImage("long:latest")),
	); err != nil {
		t.Fatal(err)
	}

	go func() {
		if !waitUntil(func() bool { return mt.startedCount() == 2 }) {
			return
		}
		bad, _ := n.Container("bad")
		mt.mu.Lock()
		sinks := mt.sinks[bad.ID()]
		mt.mu.Unlock()
		sinks.Stderr.Write([]byte("some noise\nError: db unreachable\nmore context\n"))
		mt.exit(bad.ID(), proc.ExitStatus{Completed: true, Code: 1})
		// "long" never exits on its own; the sweep must stop it
	}()

	out, err := n.Run(context.Background(), 10*time.Second)
	if err == nil {
		t.Fatal("run succeeded despite non-zero exit")
	}
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("error = %T (%v), want *AggregateError", err, err)
	}
	if !strings.Contains(err.Error(), "Error: db unreachable") {
		t.Errorf("aggregate error lacks the anchored excerpt:\n%s", err)
	}

	if len(out) != 2 {
		t.Fatalf("outcomes = %d entries, want 2", len(out))
	}
	var nz *proc.NonZeroExitError
	if !errors.As(out["bad"].Err, &nz) {
		t.Errorf("bad outcome err = %v, want NonZeroExitError", out["bad"].Err)
	}
	if out["long"].Err == nil {
		t.Error("long outcome has no error despite being stopped early")
	}

	long, _ := n.Container("long")
	if !mt.stopped(long.ID()) {
		t.Error("sibling container was not sent a stop call")
	}
}

func TestSharedBuildDefinitionBuiltOnce(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	df := FromDockerfileContents("FROM alpine\nRUN echo shared\n")
	if err := n.AddContainers(
		NewContainer("a", df),
		NewContainer("b", df),
		NewContainer("c", FromDockerfileContents("FROM alpine\nRUN echo other\n")),
	); err != nil {
		t.Fatal(err)
	}

	if err := n.Build(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if len(mt.builds) != 2 {
		t.Fatalf("builds = %d, want 2 (one per distinct definition)", len(mt.builds))
	}
	a, _ := n.Container("a")
	b, _ := n.Container("b")
	if a.image != b.image {
		t.Errorf("shared group got distinct images: %q vs %q", a.image, b.image)
	}
}

func TestConcurrentRunsDoNotCollide(t *testing.T) {
	n1 := New("itest", newMockTransport())
	n2 := New("itest", newMockTransport())
	if n1.Name() == n2.Name() {
		t.Fatalf("two instances share network name %q", n1.Name())
	}
	n1.AddContainer(NewContainer("db", FromImage("x")))
	n2.AddContainer(NewContainer("db", FromImage("x")))
	c1, _ := n1.Container("db")
	c2, _ := n2.Container("db")
	if c1.RuntimeName() == c2.RuntimeName() {
		t.Errorf("containers collide on runtime name %q", c1.RuntimeName())
	}
	if c1.Hostname() == c2.Hostname() {
		t.Errorf("containers collide on hostname %q", c1.Hostname())
	}
}

func TestNoUUIDHostname(t *testing.T) {
	n := New("itest", newMockTransport())
	spec := NewContainer("db", FromImage("x"))
	spec.NoUUIDHostname = true
	n.AddContainer(spec)
	c, _ := n.Container("db")
	if c.Hostname() != "db" {
		t.Errorf("hostname = %q, want %q", c.Hostname(), "db")
	}
	if c.RuntimeName() == "db" {
		t.Error("runtime name must still carry the run suffix")
	}
}

func TestDependentSkippedWhenDependencyFails(t *testing.T) {
	mt := newMockTransport()
	mt.failCreateFor = "db"
	n := New("itest", mt)
	app := NewContainer("app", FromImage("app:latest"))
	app.DependsOn = []string{"db"}
	if err := n.AddContainers(NewContainer("db", FromImage("postgres:16")), app); err != nil {
		t.Fatal(err)
	}

	out, err := n.Run(context.Background(), 5*time.Second)
	if err == nil {
		t.Fatal("run succeeded despite create failure")
	}
	if !errors.Is(out["app"].Err, ErrSkipped) {
		t.Errorf("app outcome = %v, want ErrSkipped", out["app"].Err)
	}
	if out["db"].Err == nil {
		t.Error("db outcome has no error despite failed create")
	}
}

func TestDependentStartsAfterReadySignal(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	db := NewContainer("db", FromImage("postgres:16"))
	db.ReadyOnSignal = true
	app := NewContainer("app", FromImage("app:latest"))
	app.DependsOn = []string{"db"}
	if err := n.AddContainers(db, app); err != nil {
		t.Fatal(err)
	}

	go func() {
		// only db may start until the signal arrives
		if !waitUntil(func() bool { return mt.startedCount() == 1 }) {
			return
		}
		time.Sleep(50 * time.Millisecond)
		if got := mt.startedCount(); got != 1 {
			t.Errorf("dependent started before readiness signal (started=%d)", got)
		}
		n.SignalReady("db")
		if !waitUntil(func() bool { return mt.startedCount() == 2 }) {
			t.Error("dependent never started after readiness signal")
			return
		}
		mt.mu.Lock()
		ids := append([]string{}, mt.startedIDs...)
		mt.mu.Unlock()
		for _, id := range ids {
			mt.exit(id, proc.ExitStatus{Completed: true, Code: 0})
		}
	}()

	out, err := n.Run(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out["db"].Success() || !out["app"].Success() {
		t.Errorf("outcomes = %+v", out)
	}
}

func TestWaitTimeoutElapsed(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	n.AddContainer(NewContainer("stuck", FromImage("stuck:latest")))

	out, err := n.Run(context.Background(), 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
	if n.State() != StateTimedOut {
		t.Errorf("state = %s, want %s", n.State(), StateTimedOut)
	}
	if out["stuck"].Err == nil {
		t.Error("stuck outcome has no error after timeout")
	}
	stuck, _ := n.Container("stuck")
	if !mt.stopped(stuck.ID()) {
		t.Error("stuck container was not stopped after timeout")
	}
}

func TestAddContainerRejectsDuplicates(t *testing.T) {
	n := New("itest", newMockTransport())
	if err := n.AddContainer(NewContainer("db", FromImage("x"))); err != nil {
		t.Fatal(err)
	}
	if err := n.AddContainer(NewContainer("db", FromImage("y"))); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	mt := newMockTransport()
	n := New("itest", mt)
	n.AddContainer(NewContainer("db", FromImage("x")))
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := n.Terminate(context.Background()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := n.Terminate(context.Background()); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if len(mt.stoppedIDs) != 1 {
		t.Errorf("stop calls = %d, want exactly 1", len(mt.stoppedIDs))
	}
	if len(mt.netsRemoved) != 1 {
		t.Errorf("network removals = %d, want exactly 1", len(mt.netsRemoved))
	}
}

func TestStartContextSurvivesStartPhase(t *testing.T) {
	mt := &ctxCheckTransport{mockTransport: newMockTransport()}
	n := New("itest", mt)
	if err := n.AddContainers(
		NewContainer("db", FromImage("postgres:16")),
		NewContainer("app", FromImage("app:latest")),
	); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = n.Terminate(context.Background()) })

	mt.ctxMu.Lock()
	ctxs := append([]context.Context{}, mt.startCtxs...)
	mt.ctxMu.Unlock()
	if len(ctxs) != 2 {
		t.Fatalf("start calls = %d, want 2", len(ctxs))
	}
	// transports keep this context inside their attach and wait plumbing,
	// so it must not die with the start fan-out
	for _, ctx := range ctxs {
		if err := ctx.Err(); err != nil {
			t.Errorf("start context dead after the start phase: %v", err)
		}
	}
}
