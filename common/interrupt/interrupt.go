// Package interrupt exposes the process-wide operator-cancellation signal as
// a broadcast channel. The handler is installed once; every subscriber
// observes the same closed channel, so long-running supervision loops can
// treat an interrupt exactly like a timeout.
package interrupt

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	installOnce sync.Once
	fired       = make(chan struct{})
)

// Install registers the SIGINT/SIGTERM handler. Safe to call repeatedly; only
// the first call installs. A second signal after the first force-exits,
// so a wedged teardown cannot trap the operator.
func Install() {
	installOnce.Do(func() {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-ch
			slog.Warn("interrupt received, cancelling", "signal", sig)
			close(fired)
			sig = <-ch
			slog.Error("second interrupt, exiting immediately", "signal", sig)
			os.Exit(130)
		}()
	})
}

// C returns the broadcast channel, closed once the first interrupt arrives.
// Callers that never called Install get a channel that never closes.
func C() <-chan struct{} {
	return fired
}

// Fired reports whether an interrupt has already arrived.
func Fired() bool {
	select {
	case <-fired:
		return true
	default:
		return false
	}
}
