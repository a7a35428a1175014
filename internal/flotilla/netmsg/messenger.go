package netmsg

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flotilladev/flotilla/common/retry"
)

// DefaultMaxFrameLen bounds incoming frames. A frame declaring a larger
// length is rejected before any allocation.
const DefaultMaxFrameLen = 16 << 20

// ErrConnectionClosed reports the peer shutting down mid-frame or before a
// frame.
var ErrConnectionClosed = errors.New("connection closed by peer")

// ConnectionError wraps transport-level send/receive faults.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedFrameError reports a declared frame length outside the sane
// bound.
type MalformedFrameError struct {
	Declared uint32
	Max      uint32
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("frame declares %d bytes, limit %d", e.Declared, e.Max)
}

// UnknownTypeError reports a received message of an unregistered type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// Messenger is one end of a framed message channel. Not safe for concurrent
// use of the same direction; one sender and one receiver may run
// concurrently.
type Messenger struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	// MaxFrameLen overrides DefaultMaxFrameLen when positive.
	MaxFrameLen uint32
}

func newMessenger(conn net.Conn) *Messenger {
	return &Messenger{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Dial connects to a listening peer. Inside a container the address is
// typically "<hostname>:<port>" on the isolated network.
func Dial(ctx context.Context, addr string) (*Messenger, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial " + addr, Err: err}
	}
	return newMessenger(conn), nil
}

// DialTimeout retries Dial until the peer starts listening or the timeout
// elapses, for rendezvous where the listener may come up later.
func DialTimeout(ctx context.Context, addr string, timeout time.Duration) (*Messenger, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var m *Messenger
	cfg := retry.Config{MaxAttempts: 1 << 16, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	err := retry.Do(ctx, cfg, func() error {
		var err error
		m, err = Dial(ctx, addr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s within %s: %w", addr, timeout, err)
	}
	return m, nil
}

// ListenOne accepts exactly one connection on addr, then closes the
// listener. It fails once timeout elapses without a connection.
func ListenOne(ctx context.Context, addr string, timeout time.Duration) (*Messenger, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "listen " + addr, Err: err}
	}
	defer ln.Close()

	if tcp, ok := ln.(*net.TCPListener); ok && timeout > 0 {
		tcp.SetDeadline(time.Now().Add(timeout))
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		// unblock Accept on ctx cancellation
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ConnectionError{Op: "accept " + addr, Err: ctx.Err()}
		}
		return nil, &ConnectionError{Op: "accept " + addr, Err: err}
	}
	return newMessenger(conn), nil
}

func (m *Messenger) maxFrame() uint32 {
	if m.MaxFrameLen > 0 {
		return m.MaxFrameLen
	}
	return DefaultMaxFrameLen
}

// Addr returns the local address of the channel.
func (m *Messenger) Addr() net.Addr { return m.conn.LocalAddr() }

// Send writes one framed message and flushes. It suspends until the full
// frame is written. There is no implicit retry.
func (m *Messenger) Send(msg Message) error {
	if msg.V == 0 {
		msg.V = Version
	}
	body, err := msg.marshal()
	if err != nil {
		return err
	}
	if uint64(len(body)) > uint64(m.maxFrame()) {
		return &MalformedFrameError{Declared: uint32(len(body)), Max: m.maxFrame()}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := m.w.Write(hdr[:]); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	if _, err := m.w.Write(body); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	if err := m.w.Flush(); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// SendType marshals payload as JSON and sends it under the given type.
func (m *Messenger) SendType(typ string, payload any) error {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return err
	}
	return m.Send(msg)
}

// Recv suspends until one complete frame is read and returns the decoded
// message. Peer shutdown surfaces as ErrConnectionClosed; an insane declared
// length as MalformedFrameError, rejected before allocation; an unregistered
// type as UnknownTypeError.
func (m *Messenger) Recv() (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(m.r, hdr[:]); err != nil {
		return Message{}, recvErr("recv header", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > m.maxFrame() {
		return Message{}, &MalformedFrameError{Declared: length, Max: m.maxFrame()}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(m.r, body); err != nil {
		return Message{}, recvErr("recv body", err)
	}
	return parseMessage(body)
}

// RecvType receives one message and requires it to be of the given type,
// decoding its payload into v when v is non-nil.
func (m *Messenger) RecvType(typ string, v any) error {
	msg, err := m.Recv()
	if err != nil {
		return err
	}
	if msg.Type != typ {
		return fmt.Errorf("expected %q message, got %q", typ, msg.Type)
	}
	if v == nil {
		return nil
	}
	return msg.Decode(v)
}

// SetDeadline bounds both pending and future sends and receives.
func (m *Messenger) SetDeadline(t time.Time) error {
	return m.conn.SetDeadline(t)
}

// Close shuts the channel down.
func (m *Messenger) Close() error {
	return m.conn.Close()
}

func recvErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrConnectionClosed)
	}
	return &ConnectionError{Op: op, Err: err}
}
