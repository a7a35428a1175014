// Package netmsg exchanges typed, length-framed messages between the
// orchestrating process and code running inside a container, over the
// isolated network. It backs readiness handshakes and result handoff.
//
// Wire format: [4-byte big-endian length][JSON envelope]. No compression,
// no encryption; network isolation is the confidentiality boundary.
package netmsg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Version is the envelope schema version.
const Version = 1

// Built-in message types for the standard orchestration handshakes.
const (
	TypeStart  = "start"
	TypeReady  = "ready"
	TypeResult = "result"
)

var (
	typesMu    sync.RWMutex
	knownTypes = map[string]struct{}{
		TypeStart:  {},
		TypeReady:  {},
		TypeResult: {},
	}
)

// RegisterType allows an application-defined message type. Unregistered
// types are rejected on receive, never silently ignored.
func RegisterType(name string) {
	typesMu.Lock()
	defer typesMu.Unlock()
	knownTypes[name] = struct{}{}
}

func typeKnown(name string) bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	_, ok := knownTypes[name]
	return ok
}

// Message is one decoded envelope: a type discriminant plus raw payload
// bytes. Payload bytes round-trip bit-identically through send and receive.
type Message struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with the payload marshaled as JSON.
func NewMessage(typ string, payload any) (Message, error) {
	msg := Message{V: Version, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %q payload: %w", typ, err)
		}
		msg.Payload = b
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", m.Type, err)
	}
	return nil
}

// Validate checks the envelope's version and type registration.
func (m Message) Validate() error {
	if m.V != Version {
		return fmt.Errorf("unsupported envelope version %d", m.V)
	}
	if m.Type == "" {
		return fmt.Errorf("message has no type")
	}
	if !typeKnown(m.Type) {
		return &UnknownTypeError{Type: m.Type}
	}
	return nil
}

func (m Message) marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	// Encode appends a newline; the frame length covers exact bytes
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func parseMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
