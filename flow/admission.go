package flow

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

// Unbounded is the ceiling reported by admission policies without a limit.
const Unbounded = math.MaxInt

// AdmissionPolicy is the per-stage queue of packets waiting for dispatch
// together with the rule deciding how many may be in flight at once.
//
// Pull hands out packets in push order and counts them as dispatched in the
// same critical section, so concurrent completions can never push the stage
// over its ceiling. Pop releases one dispatched slot; popping a packet that
// is not dispatched is a no-op.
//
// An AdmissionPolicy belongs to exactly one stage. Implementations must be
// safe for concurrent use.
type AdmissionPolicy interface {
	Push(p *Packet)
	Pull() []*Packet
	Pop(p *Packet)

	// Len is the number of queued, not yet dispatched packets.
	Len() int
	// Dispatched is the number of pulled packets not yet popped.
	Dispatched() int
	// Ceiling is the maximum value Dispatched may reach.
	Ceiling() int
}

// fifo is the queue and dispatch bookkeeping shared by Linear and Bounded.
type fifo struct {
	mu         sync.Mutex
	ceiling    int
	queue      []*Packet
	queued     map[uuid.UUID]struct{}
	dispatched map[uuid.UUID]struct{}
}

func newFIFO(ceiling int) fifo {
	return fifo{
		ceiling:    ceiling,
		queued:     make(map[uuid.UUID]struct{}),
		dispatched: make(map[uuid.UUID]struct{}),
	}
}

// Push enqueues p at the tail. A packet already queued or dispatched at this
// stage is ignored.
func (q *fifo) Push(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[p.ID()]; ok {
		return
	}
	if _, ok := q.dispatched[p.ID()]; ok {
		return
	}
	q.queued[p.ID()] = struct{}{}
	q.queue = append(q.queue, p)
}

// Pull dequeues the oldest packets up to the free capacity and marks them
// dispatched.
func (q *fifo) Pull() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	free := q.ceiling - len(q.dispatched)
	n := len(q.queue)
	if free < n {
		n = free
	}
	if n <= 0 {
		return nil
	}
	out := make([]*Packet, n)
	copy(out, q.queue[:n])
	// Drop references so pulled packets are not retained by the backing array.
	for i := 0; i < n; i++ {
		q.queue[i] = nil
	}
	q.queue = q.queue[n:]
	for _, p := range out {
		delete(q.queued, p.ID())
		q.dispatched[p.ID()] = struct{}{}
	}
	return out
}

// Pop releases the dispatched slot held by p.
func (q *fifo) Pop(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dispatched, p.ID())
}

func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *fifo) Dispatched() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dispatched)
}

func (q *fifo) Ceiling() int { return q.ceiling }

// Linear releases every queued packet on each pull, in push order.
type Linear struct{ fifo }

// NewLinear returns an unbounded FIFO admission policy.
func NewLinear() *Linear {
	return &Linear{fifo: newFIFO(Unbounded)}
}

// Bounded admits at most N packets in flight. Packets pushed while N are
// dispatched wait in the queue until a Pop frees a slot.
type Bounded struct{ fifo }

// NewBounded returns an admission policy with ceiling n. A ceiling below 1 is
// rejected when the stage is built.
func NewBounded(n int) *Bounded {
	return &Bounded{fifo: newFIFO(n)}
}

var (
	_ AdmissionPolicy = (*Linear)(nil)
	_ AdmissionPolicy = (*Bounded)(nil)
)
