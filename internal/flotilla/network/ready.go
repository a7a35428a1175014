package network

import (
	"context"
	"fmt"
	"time"

	"github.com/flotilladev/flotilla/internal/flotilla/netmsg"
)

// AwaitReadySignal listens on addr for a single "ready" message and marks
// the named container ready, releasing its dependents. Run it concurrently
// with Run for containers configured with ReadyOnSignal; the container's
// entrypoint dials the address and sends the message once it can accept
// work.
func (n *Network) AwaitReadySignal(ctx context.Context, name, addr string, timeout time.Duration) error {
	if _, ok := n.Container(name); !ok {
		return fmt.Errorf("unknown container %q", name)
	}
	m, err := netmsg.ListenOne(ctx, addr, timeout)
	if err != nil {
		return fmt.Errorf("ready signal for %q: %w", name, err)
	}
	defer m.Close()
	if err := m.RecvType(netmsg.TypeReady, nil); err != nil {
		return fmt.Errorf("ready signal for %q: %w", name, err)
	}
	return n.SignalReady(name)
}
