package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flotilladev/flotilla/internal/flotilla/proc"
	"github.com/flotilladev/flotilla/internal/flotilla/runtime"
)

// mockTransport records every call and lets tests drive container exits.
type mockTransport struct {
	mu sync.Mutex

	builds      []runtime.BuildSpec
	created     map[string]runtime.CreateSpec
	startedIDs  []string
	stoppedIDs  []string
	removedIDs  []string
	networks    []string
	netsRemoved []string

	sinks map[string]runtime.StreamSinks
	exits map[string]chan proc.ExitStatus

	buildErr      error
	failCreateFor string // logical name whose create call fails

	nextID int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		created: map[string]runtime.CreateSpec{},
		sinks:   map[string]runtime.StreamSinks{},
		exits:   map[string]chan proc.ExitStatus{},
	}
}

func (m *mockTransport) Name() string                   { return "mock" }
func (m *mockTransport) Ping(context.Context) error     { return nil }
func (m *mockTransport) Inspect(_ context.Context, id string) (runtime.Status, error) {
	return runtime.Status{State: "running", Running: true}, nil
}

func (m *mockTransport) Build(_ context.Context, spec runtime.BuildSpec) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds = append(m.builds, spec)
	if m.buildErr != nil {
		return nil, m.buildErr
	}
	return []byte("built " + spec.Tag), nil
}

func (m *mockTransport) Create(_ context.Context, spec runtime.CreateSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateFor != "" && strings.HasPrefix(spec.Name, m.failCreateFor+"-") {
		return "", &runtime.CreateError{Name: spec.Name, Err: fmt.Errorf("mock create refused")}
	}
	m.nextID++
	id := fmt.Sprintf("id-%d", m.nextID)
	m.created[id] = spec
	m.exits[id] = make(chan proc.ExitStatus, 1)
	return id, nil
}

func (m *mockTransport) Start(_ context.Context, id string, sinks runtime.StreamSinks) (runtime.Waiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startedIDs = append(m.startedIDs, id)
	m.sinks[id] = sinks
	return &mockWaiter{ch: m.exits[id]}, nil
}

func (m *mockTransport) Stop(_ context.Context, id string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stoppedIDs = append(m.stoppedIDs, id)
	// a stop makes the container exit as terminated
	select {
	case m.exits[id] <- proc.ExitStatus{Completed: false}:
	default:
	}
	return nil
}

func (m *mockTransport) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removedIDs = append(m.removedIDs, id)
	return nil
}

func (m *mockTransport) NetworkCreate(_ context.Context, name string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networks = append(m.networks, name)
	return nil
}

func (m *mockTransport) NetworkRemove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netsRemoved = append(m.netsRemoved, name)
	return nil
}

func (m *mockTransport) ContainerIP(_ context.Context, id, _ string) (string, error) {
	return "10.0.0.2", nil
}

// exit resolves a started container with the given status.
func (m *mockTransport) exit(id string, status proc.ExitStatus) {
	m.mu.Lock()
	ch := m.exits[id]
	m.mu.Unlock()
	select {
	case ch <- status:
	default:
	}
}

func (m *mockTransport) startedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.startedIDs)
}

func (m *mockTransport) stopped(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.stoppedIDs {
		if s == id {
			return true
		}
	}
	return false
}

// ctxCheckTransport records the context handed to each Start call so tests
// can assert it stays live once the start phase is over.
type ctxCheckTransport struct {
	*mockTransport
	ctxMu     sync.Mutex
	startCtxs []context.Context
}

func (t *ctxCheckTransport) Start(ctx context.Context, id string, sinks runtime.StreamSinks) (runtime.Waiter, error) {
	t.ctxMu.Lock()
	t.startCtxs = append(t.startCtxs, ctx)
	t.ctxMu.Unlock()
	return t.mockTransport.Start(ctx, id, sinks)
}

type mockWaiter struct {
	ch <-chan proc.ExitStatus
}

func (w *mockWaiter) Wait(ctx context.Context) (proc.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return proc.ExitStatus{}, ctx.Err()
	case status := <-w.ch:
		return status, nil
	}
}

// waitUntil polls cond for up to 5 seconds.
func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
