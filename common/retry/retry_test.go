package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flotilladev/flotilla/common/retry"
)

func TestDoStopsAfterFirstSuccess(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilProbePasses(t *testing.T) {
	calls := 0
	notReady := errors.New("connection refused")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return notReady
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil after eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastErrorWhenAttemptsRunOut(t *testing.T) {
	calls := 0
	stuck := errors.New("no address assigned yet")
	err := retry.Do(context.Background(), retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		return stuck
	})
	if !errors.Is(err, stuck) {
		t.Fatalf("err = %v, want the probe error", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond}, func() error {
		calls++
		return errors.New("not ready")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls > 1 {
		t.Fatalf("calls = %d with cancelled context", calls)
	}
}
