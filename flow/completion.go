package flow

import (
	"fmt"
	"sync"
)

// EmitKind tells the stage what to do with a finished job's value.
type EmitKind int

const (
	// Suppressed keeps the value buffered; nothing moves downstream and the
	// packet keeps its dispatched slot.
	Suppressed EmitKind = iota
	// EmitNow forwards the value as the packet's new payload.
	EmitNow
	// EmitBatch forwards all buffered values as one new packet.
	EmitBatch
)

func (k EmitKind) String() string {
	switch k {
	case Suppressed:
		return "suppressed"
	case EmitNow:
		return "emit"
	case EmitBatch:
		return "batch"
	default:
		return fmt.Sprintf("EmitKind(%d)", int(k))
	}
}

// Emit is the decision returned by a CompletionPolicy. For EmitNow, Value
// is the new payload. For EmitBatch, Values holds the batch in arrival order
// and Packets the packets whose slots are released with it.
type Emit struct {
	Kind    EmitKind
	Value   interface{}
	Values  []interface{}
	Packets []*Packet
}

// CompletionPolicy turns a finished job's value into a stage result.
type CompletionPolicy interface {
	OnResult(p *Packet, value interface{}) Emit
}

// Immediate emits every value as soon as its job finishes.
type Immediate struct{}

// NewImmediate returns the default completion policy.
func NewImmediate() *Immediate { return &Immediate{} }

func (*Immediate) OnResult(_ *Packet, value interface{}) Emit {
	return Emit{Kind: EmitNow, Value: value}
}

// Batch buffers values and emits them together once exactly Size have
// arrived. Partial batches never emit.
type Batch struct {
	size int

	mu      sync.Mutex
	values  []interface{}
	packets []*Packet
}

// NewBatch returns a batching completion policy of the given size. A size
// below 1 is rejected when the stage is built.
func NewBatch(size int) *Batch {
	return &Batch{size: size}
}

// Size returns the batch size.
func (b *Batch) Size() int { return b.size }

// Buffered returns the number of values waiting for the batch to fill.
func (b *Batch) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values)
}

func (b *Batch) OnResult(p *Packet, value interface{}) Emit {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values = append(b.values, value)
	b.packets = append(b.packets, p)
	if len(b.values) < b.size {
		return Emit{Kind: Suppressed}
	}
	e := Emit{Kind: EmitBatch, Values: b.values, Packets: b.packets}
	b.values = nil
	b.packets = nil
	return e
}

// Deferred marks a stage whose job signals completion itself. The stage runs
// a DeferredJob, and the value passed to its Complete callback is emitted as
// soon as it arrives.
type Deferred struct{}

// NewDeferred returns the completion policy for DeferredJob stages.
func NewDeferred() *Deferred { return &Deferred{} }

func (*Deferred) OnResult(_ *Packet, value interface{}) Emit {
	return Emit{Kind: EmitNow, Value: value}
}

var (
	_ CompletionPolicy = (*Immediate)(nil)
	_ CompletionPolicy = (*Batch)(nil)
	_ CompletionPolicy = (*Deferred)(nil)
)
