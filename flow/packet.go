package flow

import (
	"fmt"

	"github.com/google/uuid"
)

// Packet is the unit of data moving through a Flow. Its ID is assigned once
// at creation and survives every WithPayload/WithError copy, so a packet can
// be followed from stage to stage. Payload is owned by whichever stage
// currently holds the packet.
type Packet struct {
	id      uuid.UUID
	payload interface{}
	err     error
}

// NewPacket returns a packet with a fresh identifier and no error.
func NewPacket(payload interface{}) *Packet {
	return &Packet{id: uuid.New(), payload: payload}
}

// RestorePacket rebuilds a packet that crossed a process boundary, keeping
// its original identifier.
func RestorePacket(id uuid.UUID, payload interface{}, err error) *Packet {
	return &Packet{id: id, payload: payload, err: err}
}

// ID returns the packet identifier.
func (p *Packet) ID() uuid.UUID { return p.id }

// Payload returns the current payload.
func (p *Packet) Payload() interface{} { return p.payload }

// Err returns the last error recorded on the packet, or nil.
func (p *Packet) Err() error { return p.err }

// WithPayload returns a copy with the same ID carrying payload and no error.
func (p *Packet) WithPayload(payload interface{}) *Packet {
	return &Packet{id: p.id, payload: payload}
}

// WithError returns a copy with the same ID and payload that records err.
func (p *Packet) WithError(err error) *Packet {
	return &Packet{id: p.id, payload: p.payload, err: err}
}

func (p *Packet) String() string {
	if p.err != nil {
		return fmt.Sprintf("packet(%s, err=%v)", p.id, p.err)
	}
	return fmt.Sprintf("packet(%s)", p.id)
}
