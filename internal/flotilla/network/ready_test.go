package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flotilladev/flotilla/internal/flotilla/netmsg"
)

func TestAwaitReadySignal(t *testing.T) {
	n := New("itest", newMockTransport())
	spec := NewContainer("db", FromImage("postgres:16"))
	spec.ReadyOnSignal = true
	if err := n.AddContainer(spec); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		m, err := netmsg.DialTimeout(ctx, addr, 10*time.Second)
		if err != nil {
			t.Errorf("dial: %v", err)
			return
		}
		defer m.Close()
		if err := m.SendType(netmsg.TypeReady, nil); err != nil {
			t.Errorf("send ready: %v", err)
		}
	}()

	if err := n.AwaitReadySignal(ctx, "db", addr, 10*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	c, _ := n.Container("db")
	select {
	case <-c.ready:
	default:
		t.Error("container not marked ready after signal")
	}
}

func TestAwaitReadySignalUnknownContainer(t *testing.T) {
	n := New("itest", newMockTransport())
	if err := n.AwaitReadySignal(context.Background(), "ghost", "127.0.0.1:0", time.Second); err == nil {
		t.Fatal("expected error for unknown container")
	}
}
