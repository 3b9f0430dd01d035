// Package transport bridges external packet sources and sinks (queues,
// tables, subjects) into a flow. A Receiver is polled on the flow's driver
// and its packets are invoked at the first stage; packets leaving the last
// stage are handed to a Sender.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dcshock/runflow/flow"
)

// Receiver returns the packets currently available, possibly none. It must
// not block waiting for new data. Packets returned together with an error
// are still delivered.
type Receiver interface {
	Receive(ctx context.Context) ([]*flow.Packet, error)
}

// Sender delivers one packet that left a flow.
type Sender interface {
	Send(ctx context.Context, p *flow.Packet) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context) ([]*flow.Packet, error)

func (f ReceiverFunc) Receive(ctx context.Context) ([]*flow.Packet, error) { return f(ctx) }

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p *flow.Packet) error

func (f SenderFunc) Send(ctx context.Context, p *flow.Packet) error { return f(ctx, p) }

// Memory is an in-process Receiver and Sender, used by tests and demos.
type Memory struct {
	mu    sync.Mutex
	inbox []*flow.Packet
	sent  []*flow.Packet
}

// NewMemory returns an empty in-memory transport.
func NewMemory() *Memory { return &Memory{} }

// Put queues packets built from payloads for the next Receive.
func (m *Memory) Put(payloads ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payloads {
		m.inbox = append(m.inbox, flow.NewPacket(p))
	}
}

// Receive returns and clears everything put so far.
func (m *Memory) Receive(context.Context) ([]*flow.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.inbox
	m.inbox = nil
	return out, nil
}

// Send records p.
func (m *Memory) Send(_ context.Context, p *flow.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, p)
	return nil
}

// Sent returns the packets sent so far.
func (m *Memory) Sent() []*flow.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*flow.Packet(nil), m.sent...)
}

// Envelope is the JSON wire form of a packet used by the queue-backed
// transports.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
}

// ErrNotEncodable is returned when a packet payload cannot be marshaled.
var ErrNotEncodable = errors.New("payload is not JSON encodable")

// Encode marshals p into an Envelope.
func Encode(p *flow.Packet) ([]byte, error) {
	payload, err := json.Marshal(p.Payload())
	if err != nil {
		return nil, fmt.Errorf("%w: packet %s: %v", ErrNotEncodable, p.ID(), err)
	}
	env := Envelope{ID: p.ID(), Payload: payload}
	if p.Err() != nil {
		env.Error = p.Err().Error()
	}
	return json.Marshal(env)
}

// Decode unmarshals an Envelope into a packet keeping its ID. The payload is
// decoded into generic JSON values (map[string]interface{}, float64, ...).
// A missing ID gets a fresh one.
func Decode(data []byte) (*flow.Packet, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode envelope: %w", err)
	}
	var payload interface{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("transport: decode payload: %w", err)
		}
	}
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	var perr error
	if env.Error != "" {
		perr = errors.New(env.Error)
	}
	return flow.RestorePacket(env.ID, payload, perr), nil
}
