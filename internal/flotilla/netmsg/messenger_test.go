package netmsg

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (*Messenger, *Messenger) {
	t.Helper()
	a, b := net.Pipe()
	ma, mb := newMessenger(a), newMessenger(b)
	t.Cleanup(func() {
		ma.Close()
		mb.Close()
	})
	return ma, mb
}

func TestRoundTripBitIdenticalPayload(t *testing.T) {
	ma, mb := pipePair(t)

	payload := json.RawMessage(`{"b":2,"a":1,"s":"xé"}`)
	sent := Message{V: Version, Type: TypeResult, Payload: payload}
	go func() {
		if err := ma.Send(sent); err != nil {
			t.Errorf("send: %v", err)
		}
	}()

	got, err := mb.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.Type != TypeResult {
		t.Errorf("type = %q", got.Type)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %s, want %s", got.Payload, payload)
	}
}

func TestRecvRejectsOversizeFrameBeforeAllocation(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	m := newMessenger(b)
	m.MaxFrameLen = 1024

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 1<<30)
		a.Write(hdr[:])
	}()

	_, err := m.Recv()
	var mf *MalformedFrameError
	if !errors.As(err, &mf) {
		t.Fatalf("error = %T (%v), want *MalformedFrameError", err, err)
	}
	if mf.Declared != 1<<30 {
		t.Errorf("declared = %d", mf.Declared)
	}
}

func TestRecvRejectsUnknownType(t *testing.T) {
	ma, mb := pipePair(t)
	go ma.Send(Message{V: Version, Type: "nonsense-type"})

	_, err := mb.Recv()
	var ut *UnknownTypeError
	if !errors.As(err, &ut) {
		t.Fatalf("error = %T (%v), want *UnknownTypeError", err, err)
	}
}

func TestRegisteredTypeAccepted(t *testing.T) {
	RegisterType("custom-probe")
	ma, mb := pipePair(t)
	go ma.SendType("custom-probe", map[string]int{"n": 7})

	var payload struct{ N int }
	if err := mb.RecvType("custom-probe", &payload); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if payload.N != 7 {
		t.Errorf("payload.N = %d", payload.N)
	}
}

func TestRecvPeerClosedMidFrame(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	m := newMessenger(b)

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 100)
		a.Write(hdr[:])
		a.Write([]byte("partial"))
		a.Close()
	}()

	_, err := m.Recv()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("error = %v, want ErrConnectionClosed", err)
	}
}

func TestListenOneTimesOut(t *testing.T) {
	start := time.Now()
	_, err := ListenOne(context.Background(), "127.0.0.1:0", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestListenDialHandshake(t *testing.T) {
	// reserve a port, free it, then rendezvous on it; DialTimeout retries
	// across the re-listen gap
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ready := make(chan error, 1)
	go func() {
		m, err := ListenOne(ctx, addr, 10*time.Second)
		if err != nil {
			ready <- err
			return
		}
		defer m.Close()
		ready <- m.RecvType(TypeReady, nil)
	}()

	m, err := DialTimeout(ctx, addr, 10*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer m.Close()
	if err := m.SendType(TypeReady, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-ready; err != nil {
		t.Fatalf("listener: %v", err)
	}
}
