package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dcshock/runflow/flow"
	"github.com/dcshock/runflow/logging"
)

// Bridge connects a Receiver and a Sender to one flow. Build the flow with
// flow.WithOutput(b.Output), then call Attach.
//
//	b := transport.NewBridge(queue, queue, transport.WithStopAfterIdle(3))
//	f, _ := flow.New(stage, flow.WithOutput(b.Output))
//	b.Attach(f)
//	err := f.Await(ctx)
type Bridge struct {
	recv      Receiver
	send      Sender
	logger    logging.Logger
	interval  int
	idleLimit int

	mu     sync.Mutex
	driver flow.Driver

	polling  atomic.Bool
	idle     int
	received atomic.Int64
	sent     atomic.Int64
	failures atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithInterval polls the receiver every n driver iterations (default 1).
func WithInterval(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.interval = n
		}
	}
}

// WithStopAfterIdle detaches the receiver after n consecutive polls returned
// nothing, letting Await reach quiescence. Zero polls forever.
func WithStopAfterIdle(n int) Option {
	return func(b *Bridge) { b.idleLimit = n }
}

// WithLogger sets the logger for receive and send failures.
func WithLogger(l logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBridge returns a bridge. Either side may be nil.
func NewBridge(recv Receiver, send Sender, opts ...Option) *Bridge {
	b := &Bridge{
		recv:     recv,
		send:     send,
		logger:   logging.NoOpLogger{},
		interval: 1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach registers a tick on f's driver that polls the receiver and invokes
// every received packet. Receive runs as a driver task, one poll at a time.
// The returned func detaches the receiver; Await keeps running until it is
// called or the idle limit is reached.
func (b *Bridge) Attach(f *flow.Flow) (detach func()) {
	d := f.Driver()
	b.mu.Lock()
	b.driver = d
	b.mu.Unlock()
	if b.recv == nil {
		return func() {}
	}

	var once sync.Once
	var cancel func()
	detach = func() { once.Do(func() { cancel() }) }
	cancel = d.Tick(b.interval, func() {
		if !b.polling.CompareAndSwap(false, true) {
			return
		}
		d.Async(func(ctx context.Context) (interface{}, error) {
			return b.recv.Receive(ctx)
		}, func(r flow.Result) {
			defer b.polling.Store(false)
			// A receiver may fail part way and still hand back what it got.
			packets, _ := r.Value.([]*flow.Packet)
			if r.Err != nil {
				b.failures.Add(1)
				b.logger.Warn("receive failed", "flow", f.Name(), "packets", len(packets), "error", r.Err)
				if len(packets) == 0 {
					return
				}
			}
			if len(packets) == 0 {
				b.idle++
				if b.idleLimit > 0 && b.idle >= b.idleLimit {
					b.logger.Debug("receiver idle, detaching", "flow", f.Name(), "polls", b.idle)
					detach()
				}
				return
			}
			b.idle = 0
			b.received.Add(int64(len(packets)))
			for _, p := range packets {
				f.Invoke(p)
			}
		})()
	})
	return detach
}

// Output is a flow output sink that sends p through the Sender. Once the
// bridge is attached the send runs as a driver task, so Await waits for it.
func (b *Bridge) Output(ctx context.Context, p *flow.Packet) {
	if b.send == nil {
		return
	}
	b.mu.Lock()
	d := b.driver
	b.mu.Unlock()
	if d == nil {
		b.finishSend(p, b.send.Send(ctx, p))
		return
	}
	d.Async(func(ctx context.Context) (interface{}, error) {
		return nil, b.send.Send(ctx, p)
	}, func(r flow.Result) {
		b.finishSend(p, r.Err)
	})()
}

func (b *Bridge) finishSend(p *flow.Packet, err error) {
	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("send failed", "packet_id", p.ID(), "error", err)
		return
	}
	b.sent.Add(1)
}

// Stats returns the number of packets received and sent, and the number of
// failed receive or send calls.
func (b *Bridge) Stats() (received, sent, failures int64) {
	return b.received.Load(), b.sent.Load(), b.failures.Load()
}
